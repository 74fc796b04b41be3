package sandbox

import "testing"

func TestCloneDoesNotShareBuffers(t *testing.T) {
	flag := false
	sub := Submission{
		ID:     "s1",
		Source: SourceArtifact{Language: "py", Content: []byte("print(1)")},
		Tests:  []TestCase{{ID: "t1", Input: []byte("1"), Expected: []byte("1"), Ordinal: 1}},
		Policy: Policy{TreatInternalErrorAsFailure: &flag},
	}
	clone := sub.Clone()
	clone.Tests[0].Input[0] = '9'
	clone.Source.Content[0] = 'X'
	*clone.Policy.TreatInternalErrorAsFailure = true

	if string(sub.Tests[0].Input) != "1" {
		t.Fatalf("test input was shared")
	}
	if string(sub.Source.Content) != "print(1)" {
		t.Fatalf("source content was shared")
	}
	if *sub.Policy.TreatInternalErrorAsFailure {
		t.Fatalf("policy flag was shared")
	}
}

func TestInternalErrorPolicyDefault(t *testing.T) {
	if !(Policy{}).InternalErrorIsFailure() {
		t.Fatalf("expected default true")
	}
	off := false
	if (Policy{TreatInternalErrorAsFailure: &off}).InternalErrorIsFailure() {
		t.Fatalf("expected explicit false")
	}
}
