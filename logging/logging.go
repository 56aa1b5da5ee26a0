/*
Copyright 2018-2022 Mailgun Technologies Inc

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

package logging

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LogLevelJSON is a logrus.Level that round trips through JSON and env
// config as either its name ("debug") or its number (5).
type LogLevelJSON struct {
	Level logrus.Level
}

func (ll LogLevelJSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(ll.String())
}

func (ll *LogLevelJSON) UnmarshalJSON(b []byte) error {
	var v interface{}
	var err error

	if err = json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		ll.Level = logrus.Level(int32(value))
	case string:
		ll.Level, err = logrus.ParseLevel(value)
	default:
		return errors.New("invalid log level")
	}
	return err
}

func (ll *LogLevelJSON) UnmarshalText(b []byte) error {
	lvl, err := logrus.ParseLevel(string(b))
	if err != nil {
		return errors.Wrapf(err, "invalid log level '%s'", b)
	}
	ll.Level = lvl
	return nil
}

func (ll LogLevelJSON) String() string {
	return ll.Level.String()
}

// NewLogger returns a logger writing to stderr at the provided level. The
// JSON formatter is used when AMARI_LOG_FORMAT=json.
func NewLogger(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if os.Getenv("AMARI_LOG_FORMAT") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
