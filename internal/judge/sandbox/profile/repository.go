package profile

import (
	"context"
	"fmt"

	"fuzoj/internal/judge/sandbox/security"
	appErr "fuzoj/pkg/errors"
)

// LocalRepository holds language specs and task profiles in memory, loaded
// once at process startup from configuration.
type LocalRepository struct {
	languages map[string]LanguageSpec
	profiles  map[string]TaskProfile
}

// NewLocalRepository builds a repository from config-loaded lists.
func NewLocalRepository(languages []LanguageSpec, profiles []TaskProfile) *LocalRepository {
	langMap := make(map[string]LanguageSpec, len(languages))
	for _, lang := range languages {
		if lang.ID == "" {
			continue
		}
		langMap[lang.ID] = lang
	}
	profileMap := make(map[string]TaskProfile, len(profiles))
	for _, prof := range profiles {
		if prof.TaskType == "" || prof.LanguageID == "" {
			continue
		}
		profileMap[profileKey(prof.LanguageID, prof.TaskType)] = prof
	}
	return &LocalRepository{languages: langMap, profiles: profileMap}
}

// GetLanguageSpec returns the compile/run recipe for a language id.
func (r *LocalRepository) GetLanguageSpec(ctx context.Context, id string) (LanguageSpec, error) {
	if id == "" {
		return LanguageSpec{}, appErr.ValidationError("language_id", "required")
	}
	lang, ok := r.languages[id]
	if !ok {
		return LanguageSpec{}, appErr.New(appErr.LanguageNotSupported).WithMessage("language not supported")
	}
	return lang, nil
}

// GetTaskProfile returns a task profile by task type and language.
func (r *LocalRepository) GetTaskProfile(ctx context.Context, taskType TaskType, languageID string) (TaskProfile, error) {
	if taskType == "" || languageID == "" {
		return TaskProfile{}, appErr.ValidationError("task_profile", "required")
	}
	prof, ok := r.profiles[profileKey(languageID, taskType)]
	if !ok {
		return TaskProfile{}, appErr.New(appErr.NotFound).WithMessage("task profile not found")
	}
	return prof, nil
}

// Resolve implements engine.ProfileResolver: it maps the "{languageID}-{taskType}"
// profile name the engine was given back to isolation settings.
func (r *LocalRepository) Resolve(name string) (security.IsolationProfile, error) {
	if name == "" {
		return security.IsolationProfile{}, appErr.ValidationError("profile", "required")
	}
	prof, ok := r.profiles[name]
	if !ok {
		return security.IsolationProfile{}, appErr.New(appErr.NotFound).WithMessage("profile not found")
	}
	return security.IsolationProfile{
		RootFS:         prof.RootFS,
		SeccompProfile: prof.SeccompProfile,
		DisableNetwork: true,
	}, nil
}

func profileKey(languageID string, taskType TaskType) string {
	return fmt.Sprintf("%s-%s", languageID, taskType)
}
