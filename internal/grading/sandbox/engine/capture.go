package engine

import "io"

// captured is what a drained pipe produced.
type captured struct {
	data      []byte
	total     int64
	truncated bool
}

// drain reads r until EOF, keeping at most limit bytes. onOverflow is called
// once as soon as more than limit bytes were seen.
func drain(r io.Reader, limit int64, onOverflow func()) captured {
	var out captured
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			keep := int64(n)
			if room := limit - int64(len(out.data)); keep > room {
				keep = max(room, 0)
			}
			out.data = append(out.data, buf[:keep]...)
			out.total += int64(n)
			if out.total > limit && !out.truncated {
				out.truncated = true
				if onOverflow != nil {
					onOverflow()
				}
			}
		}
		// EOF, or the read end was closed after the grace period.
		if err != nil {
			return out
		}
	}
}
