// Package config serves language and task profile definitions to the runner
// and executor.
package config

import (
	"context"

	"gradingnode/internal/grading/sandbox/profile"
	"gradingnode/internal/grading/sandbox/spec"
	appErr "gradingnode/pkg/errors"
)

// LanguageSpecRepository looks up languages by id.
type LanguageSpecRepository interface {
	GetLanguageSpec(ctx context.Context, id string) (profile.LanguageSpec, error)
}

// TaskProfileRepository looks up the profile of a task type for a language.
type TaskProfileRepository interface {
	GetTaskProfile(ctx context.Context, taskType profile.TaskType, languageID string) (profile.TaskProfile, error)
}

var (
	_ LanguageSpecRepository = (*LocalRepository)(nil)
	_ TaskProfileRepository  = (*LocalRepository)(nil)
)

// LocalRepository serves language specs and task profiles from memory.
type LocalRepository struct {
	languages map[string]profile.LanguageSpec
	profiles  map[string]profile.TaskProfile
}

// NewLocalRepository creates a repository from config lists.
func NewLocalRepository(languages []profile.LanguageSpec, profiles []profile.TaskProfile) *LocalRepository {
	langMap := make(map[string]profile.LanguageSpec)
	for _, lang := range languages {
		if lang.ID == "" {
			continue
		}
		langMap[lang.ID] = lang
	}
	profileMap := make(map[string]profile.TaskProfile)
	for _, prof := range profiles {
		if prof.TaskType == "" || prof.LanguageID == "" {
			continue
		}
		profileMap[profile.Name(prof.LanguageID, prof.TaskType)] = prof
	}
	return &LocalRepository{languages: langMap, profiles: profileMap}
}

// GetLanguageSpec returns a language spec.
func (r *LocalRepository) GetLanguageSpec(ctx context.Context, id string) (profile.LanguageSpec, error) {
	if id == "" {
		return profile.LanguageSpec{}, appErr.ValidationError("language", "required")
	}
	lang, ok := r.languages[id]
	if !ok {
		return profile.LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "language %q not supported", id)
	}
	return lang, nil
}

// GetTaskProfile returns the task profile for a language, falling back to the
// profile registered for the default language.
func (r *LocalRepository) GetTaskProfile(ctx context.Context, taskType profile.TaskType, languageID string) (profile.TaskProfile, error) {
	if taskType == "" {
		return profile.TaskProfile{}, appErr.ValidationError("task_type", "required")
	}
	if prof, ok := r.profiles[profile.Name(languageID, taskType)]; ok {
		return prof, nil
	}
	if prof, ok := r.profiles[profile.Name(profile.DefaultLanguageID, taskType)]; ok {
		return prof, nil
	}
	return profile.TaskProfile{}, appErr.Newf(appErr.NotFound, "task profile %s not found", profile.Name(languageID, taskType))
}

// Resolve maps a profile name to isolation settings.
func (r *LocalRepository) Resolve(profileName string) (spec.Isolation, error) {
	if profileName == "" {
		return spec.Isolation{}, appErr.ValidationError("profile", "required")
	}
	prof, ok := r.profiles[profileName]
	if !ok {
		return spec.Isolation{}, appErr.Newf(appErr.NotFound, "profile %s not found", profileName)
	}
	return spec.Isolation{
		RootFS:         prof.RootFS,
		SeccompProfile: prof.SeccompProfile,
		DisableNetwork: !prof.AllowNetwork,
	}, nil
}
