package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":           environmentDevelopment,
		"prod":       environmentProduction,
		"Production": environmentProduction,
		"stag":       environmentStaging,
		"custom":     "custom",
	}
	for value, want := range cases {
		t.Setenv(appEnvVar, value)
		if got := AppEnvironment(); got != want {
			t.Errorf("APP_ENV=%q: got %q, want %q", value, got, want)
		}
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(EnvironmentProduction) || !IsProductionLike(EnvironmentStaging) {
		t.Error("production and staging should be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Error("development should not be production-like")
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	prodPath := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prodPath, []byte("tickflow: {}\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	paths := map[string]string{environmentProduction: prodPath}

	t.Setenv(appEnvVar, "production")
	if got := resolveEnvSpecificPath("", "default.yml", paths); got != prodPath {
		t.Errorf("default path should resolve to production file, got %q", got)
	}
	if got := resolveEnvSpecificPath("explicit.yml", "default.yml", paths); got != "explicit.yml" {
		t.Errorf("explicit path should win, got %q", got)
	}

	t.Setenv(appEnvVar, "development")
	if got := resolveEnvSpecificPath("", "default.yml", paths); got != "default.yml" {
		t.Errorf("development should keep the default path, got %q", got)
	}

	t.Setenv(appEnvVar, "production")
	missing := map[string]string{environmentProduction: filepath.Join(dir, "missing.yml")}
	if got := resolveEnvSpecificPath("", "default.yml", missing); got != "default.yml" {
		t.Errorf("missing env file should fall back to default, got %q", got)
	}
}
