// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/holomush/authsvc/internal/config"
	"github.com/holomush/authsvc/pkg/errutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigSchemaCommand(t *testing.T) {
	cleanEnv(t)

	out, _, err := execute(t, "config", "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, config.SchemaID, schema["$id"])
	assert.Contains(t, schema["properties"], "app_url")
}

func TestConfigValidateCommand(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantCode string
	}{
		{
			name:    "valid file",
			content: "app_url: https://app.example.com\nlog:\n  format: text\n",
		},
		{
			name:     "unknown key",
			content:  "app_urls: https://app.example.com\n",
			wantCode: "CONFIG_SCHEMA_VIOLATION",
		},
		{
			name:     "malformed yaml",
			content:  "server: [\n",
			wantCode: "CONFIG_FILE_INVALID",
		},
		{
			name:     "bad duration",
			content:  "auth:\n  session_expires_in: forever\n",
			wantCode: "CONFIG_INVALID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			path := writeConfig(t, tt.content)

			out, _, err := execute(t, "config", "validate", path)
			if tt.wantCode != "" {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path+" is valid\n", out)
		})
	}
}

func TestConfigValidateCommand_UsesConfigFlag(t *testing.T) {
	cleanEnv(t)
	path := writeConfig(t, "deployment_host: preview123.vercel.app\n")

	out, _, err := execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, path)
}

func TestConfigValidateCommand_MissingFile(t *testing.T) {
	cleanEnv(t)

	_, _, err := execute(t, "config", "validate", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_FILE_NOT_FOUND")
}

func TestConfigShowCommand(t *testing.T) {
	cleanEnv(t)
	t.Setenv(config.EnvDatabaseURL, "postgres://authsvc:hunter2@db:5432/auth")

	out, _, err := execute(t, "config", "show", "--log-level", "debug")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")

	var shown map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, map[string]any{"format": "json", "level": "debug"}, shown["log"])
	assert.Equal(t, "postgres://authsvc:xxxxx@db:5432/auth", shown["database"].(map[string]any)["url"])
}
