package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ManifestRule declares the document mode for paths matching Pattern.
// A pattern ending in "/" matches everything below that directory;
// anything else is a path.Match glob against the slash-separated relative path.
type ManifestRule struct {
	Pattern string
	Mode    DocumentMode
}

// LoadManifest reads a mode manifest such as
//
//	exam:
//	  - "exams/"
//	  - "*/quiz_*.pdf"
//	general:
//	  - "notes/"
//
// Exam rules come first, so an exam pattern wins over an overlapping general one.
func LoadManifest(path string) ([]ManifestRule, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("mode manifest %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read mode manifest %s: %w", path, err)
	}

	var rules []ManifestRule
	for _, mode := range []DocumentMode{DocumentExam, DocumentGeneral} {
		for _, pattern := range v.GetStringSlice(string(mode)) {
			if pattern == "" {
				continue
			}
			rules = append(rules, ManifestRule{Pattern: pattern, Mode: mode})
		}
	}
	return rules, nil
}
