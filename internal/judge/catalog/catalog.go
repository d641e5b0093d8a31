// Package catalog resolves a problem id and language name into the
// Judge Engine's read-only inputs: testcases and a compile/run recipe.
// Problem and language metadata are an external collaborator per the
// judge subsystem's scope, so this package is deliberately thin: it
// trusts a local directory already populated with each problem's
// extracted data pack, and leaves content-addressed fetch-and-cache of
// that data pack (by manifest hash, from object storage) to the
// operator's sync step rather than reimplementing it here.
package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/model"
	appErr "fuzoj/pkg/errors"
)

// MetaSource looks up the latest published meta for a problem.
// *problemclient.Client satisfies this structurally; the interface exists
// here so this package, and its tests, do not need to depend on the grpc
// client concretely.
type MetaSource interface {
	GetLatest(ctx context.Context, problemID int64) (model.ProblemMeta, error)
}

// manifest is the subset of a problem data pack's manifest.json this
// package needs: the ordered list of testcase file pairs.
type manifest struct {
	Tests []struct {
		InputPath  string `json:"inputPath"`
		AnswerPath string `json:"answerPath"`
	} `json:"tests"`
}

// Source resolves problems and languages for the Judge Engine.
type Source struct {
	problemClient MetaSource
	dataRoot      string
	languages     map[string]coremodel.LanguageConfig
}

// NewSource creates a Source. dataRoot is the local directory under which
// each problem's extracted data pack lives, keyed by manifest hash.
func NewSource(client MetaSource, dataRoot string, languages []coremodel.LanguageConfig) *Source {
	langMap := make(map[string]coremodel.LanguageConfig, len(languages))
	for _, lang := range languages {
		if lang.Name == "" {
			continue
		}
		langMap[lang.Name] = lang
	}
	return &Source{problemClient: client, dataRoot: dataRoot, languages: langMap}
}

// Problem fetches the latest published manifest for problemID and loads
// its testcases from the locally synced data pack directory.
func (s *Source) Problem(ctx context.Context, problemID string) (coremodel.Problem, error) {
	id, err := strconv.ParseInt(problemID, 10, 64)
	if err != nil {
		return coremodel.Problem{}, appErr.ValidationError("problem_id", "must be numeric")
	}
	meta, err := s.problemClient.GetLatest(ctx, id)
	if err != nil {
		return coremodel.Problem{}, appErr.Wrapf(err, appErr.JudgeSystemError, "fetch problem meta failed")
	}
	if meta.ManifestHash == "" {
		return coremodel.Problem{}, appErr.New(appErr.ProblemNotFound).WithMessage("problem has no published data pack")
	}

	basePath := filepath.Join(s.dataRoot, meta.ManifestHash)
	data, err := os.ReadFile(filepath.Join(basePath, "manifest.json"))
	if err != nil {
		return coremodel.Problem{}, appErr.Wrapf(err, appErr.JudgeSystemError, "read problem manifest failed")
	}
	var parsed manifest
	if err := json.Unmarshal(data, &parsed); err != nil {
		return coremodel.Problem{}, appErr.Wrapf(err, appErr.JudgeSystemError, "parse problem manifest failed")
	}

	testcases := make([]coremodel.Testcase, 0, len(parsed.Tests))
	for _, tc := range parsed.Tests {
		inputPath, err := safeJoin(basePath, tc.InputPath)
		if err != nil {
			return coremodel.Problem{}, err
		}
		input, err := os.ReadFile(inputPath)
		if err != nil {
			return coremodel.Problem{}, appErr.Wrapf(err, appErr.JudgeSystemError, "read testcase input failed")
		}
		output := ""
		if tc.AnswerPath != "" {
			answerPath, err := safeJoin(basePath, tc.AnswerPath)
			if err != nil {
				return coremodel.Problem{}, err
			}
			answer, err := os.ReadFile(answerPath)
			if err != nil {
				return coremodel.Problem{}, appErr.Wrapf(err, appErr.JudgeSystemError, "read testcase answer failed")
			}
			output = string(answer)
		}
		testcases = append(testcases, coremodel.Testcase{Input: string(input), Output: output})
	}

	return coremodel.Problem{ProblemID: problemID, Testcases: testcases}, nil
}

// Language returns the compile/run recipe for a configured language.
func (s *Source) Language(ctx context.Context, name string) (coremodel.LanguageConfig, error) {
	lang, ok := s.languages[name]
	if !ok {
		return coremodel.LanguageConfig{}, appErr.New(appErr.LanguageNotSupported).WithMessage("language not supported")
	}
	return lang, nil
}

func safeJoin(basePath, relPath string) (string, error) {
	if relPath == "" {
		return "", appErr.ValidationError("path", "required")
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", appErr.New(appErr.InvalidParams).WithMessage("invalid relative path")
	}
	full := filepath.Join(basePath, clean)
	if !strings.HasPrefix(full, filepath.Clean(basePath)+string(filepath.Separator)) {
		return "", appErr.New(appErr.InvalidParams).WithMessage("path traversal detected")
	}
	return full, nil
}
