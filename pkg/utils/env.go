/*
Copyright 2025 The Aibrix Team.

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

package utils

import (
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// LoadEnv returns the value of key, or defaultValue when unset or empty.
func LoadEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func LoadEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		klog.Warningf("Invalid boolean value for %s: %q. Defaulting to %v.", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func LoadEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		klog.Warningf("Invalid integer value for %s: %q. Defaulting to %d.", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// LoadEnvDuration accepts Go duration strings ("2s") and bare integers,
// which are read as milliseconds.
func LoadEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	klog.Warningf("Invalid duration value for %s: %q. Defaulting to %v.", key, value, defaultValue)
	return defaultValue
}

// LoadEnvList splits a comma-separated value, dropping blank entries.
func LoadEnvList(key string) []string {
	return SplitList(os.Getenv(key))
}

func SplitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
