package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("expected nil error for CurrentVersion, got %v", err)
	}

	err := ValidateVersion(CurrentVersion + 1)
	var ve *VersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VersionError, got %T", err)
	}
	if !strings.Contains(err.Error(), "newer than this build") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	if err := ValidateVersion(-1); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}
