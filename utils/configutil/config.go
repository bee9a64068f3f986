// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configutil loads yaml configuration files into tagged structs.
// A file may declare `extends: <other file>`; extended files are applied
// first so the extending file overrides them. The fully merged config is
// validated once via its `validate` tags.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef occurs when configuration files extend each other in a loop.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// ValidationError holds per-field validation failures of a loaded config.
type ValidationError struct {
	errorMap validator.ErrorMap
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validate config: %v", error(e.errorMap))
}

// ErrForField returns the validation errors for the named field.
func (e ValidationError) ErrForField(name string) error {
	return e.errorMap[name]
}

type extendsDecl struct {
	Extends string `yaml:"extends"`
}

// readExtendsFn returns the `extends` target declared in the file, or ""
// if none.
type readExtendsFn func(filename string) (string, error)

func readExtendsFromYAML(filename string) (string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("read config: %s", err)
	}
	var decl extendsDecl
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return "", fmt.Errorf("parse config %s: %s", filename, err)
	}
	return decl.Extends, nil
}

// resolveExtends follows the extends chain starting at fpath, returning the
// file list in application order: most-extended first, fpath last. Relative
// extends targets resolve against the directory of the extending file.
func resolveExtends(fpath string, readExtends readExtendsFn) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for cur := fpath; cur != ""; {
		if seen[cur] {
			return nil, ErrCycleRef
		}
		seen[cur] = true
		chain = append([]string{cur}, chain...)

		next, err := readExtends(cur)
		if err != nil {
			return nil, err
		}
		if next != "" && !filepath.IsAbs(next) {
			next = filepath.Join(filepath.Dir(cur), next)
		}
		cur = next
	}
	return chain, nil
}

// Load reads and merges the extends chain of the yaml file at path into
// config, then validates the result.
func Load(path string, config interface{}) error {
	filenames, err := resolveExtends(path, readExtendsFromYAML)
	if err != nil {
		return err
	}
	return loadFiles(config, filenames)
}

// loadFiles applies each file in order onto config and validates the merged
// result once.
func loadFiles(config interface{}, fnames []string) error {
	for _, f := range fnames {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read config: %s", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("parse config %s: %s", f, err)
		}
	}
	if err := validator.Validate(config); err != nil {
		if errorMap, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errorMap}
		}
		return fmt.Errorf("validate config: %s", err)
	}
	return nil
}
