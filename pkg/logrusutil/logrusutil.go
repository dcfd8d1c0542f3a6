/*
Copyright 2023 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logrusutil implements some helpers for using logrus
package logrusutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"
)

// DefaultFieldsFormatter wraps another logrus.Formatter, injecting
// DefaultFields into each Format() call, existing fields are preserved
// if they have the same key
type DefaultFieldsFormatter struct {
	WrappedFormatter logrus.Formatter
	DefaultFields    logrus.Fields
}

// Init set Logrus formatter
// if DefaultFieldsFormatter.wrappedFormatter is nil &logrus.JSONFormatter{} will be used instead
func Init(formatter *DefaultFieldsFormatter) {
	if formatter == nil {
		return
	}
	if formatter.WrappedFormatter == nil {
		formatter.WrappedFormatter = &logrus.JSONFormatter{}
	}
	logrus.SetFormatter(formatter)
}

// ComponentInit is a syntax sugar for easier Init
func ComponentInit() {
	Init(
		&DefaultFieldsFormatter{
			DefaultFields: logrus.Fields{"component": filepath.Base(os.Args[0])},
		},
	)
}

// Format implements logrus.Formatter's Format. We allocate a new Fields
// map in order to not modify the caller's Entry, as that is not a thread
// safe operation.
func (d *DefaultFieldsFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+len(d.DefaultFields))
	for k, v := range d.DefaultFields {
		data[k] = v
	}
	for k, v := range entry.Data {
		data[k] = v
	}
	return d.WrappedFormatter.Format(&logrus.Entry{
		Logger:  entry.Logger,
		Data:    data,
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
		Caller:  entry.Caller,
	})
}

// internalLogger is used by the CensoringFormatter to report issues with
// the secrets it was handed. It must not be the standard logger, as that
// one uses the CensoringFormatter itself which would deadlock.
var internalLogger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.JSONFormatter{},
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.InfoLevel,
}

// CensoringFormatter wraps a logrus.Formatter and censors secrets in the
// message and in every string or error field before delegating.
type CensoringFormatter struct {
	delegate   logrus.Formatter
	getSecrets func() sets.String
}

// NewCensoringFormatter returns a CensoringFormatter. The secrets func is
// consulted on every Format call so reloaded secrets are picked up.
func NewCensoringFormatter(f logrus.Formatter, getSecrets func() sets.String) CensoringFormatter {
	if f == nil {
		f = &logrus.JSONFormatter{}
	}
	return CensoringFormatter{delegate: f, getSecrets: getSecrets}
}

// Format censors all fields in the entry, then delegates.
func (f CensoringFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	secrets := f.getSecrets()
	censored := &logrus.Entry{
		Logger:  entry.Logger,
		Data:    make(logrus.Fields, len(entry.Data)),
		Time:    entry.Time,
		Level:   entry.Level,
		Message: censor(entry.Message, secrets),
		Caller:  entry.Caller,
	}
	for k, v := range entry.Data {
		switch value := v.(type) {
		case string:
			censored.Data[k] = censor(value, secrets)
		case error:
			if value != nil {
				censored.Data[k] = fmt.Errorf("%s", censor(value.Error(), secrets))
			} else {
				censored.Data[k] = v
			}
		default:
			censored.Data[k] = v
		}
	}
	return f.delegate.Format(censored)
}

func censor(s string, secrets sets.String) string {
	for _, secret := range secrets.List() {
		trimmed := strings.TrimSpace(secret)
		if trimmed == "" {
			continue
		}
		if trimmed != secret {
			internalLogger.WithField("secret-length", len(secret)).Warning("Secret contains leading or trailing whitespace, censoring the trimmed form")
		}
		s = strings.ReplaceAll(s, trimmed, strings.Repeat("*", len(trimmed)))
	}
	return s
}
