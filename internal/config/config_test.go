package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gocast.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMountAuthenticatorBlock(t *testing.T) {
	path := writeConfigFile(t, `
mounts {
  stream.mp3 {
    password "hunter2"
    authenticator {
      type "url"
      options {
        auth_url "http://example.com/auth"
        timeout "5"
      }
    }
  }
}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mount, ok := cfg.Mounts["/stream.mp3"]
	if !ok {
		t.Fatal("mount /stream.mp3 not loaded")
	}
	if mount.Authenticator == nil {
		t.Fatal("expected an authenticator block to be parsed")
	}
	if mount.Authenticator.Type != "url" {
		t.Errorf("Authenticator.Type = %q, want url", mount.Authenticator.Type)
	}
	if mount.Authenticator.Options["auth_url"] != "http://example.com/auth" {
		t.Errorf("Options[auth_url] = %q", mount.Authenticator.Options["auth_url"])
	}
}

func TestLoadMountMaxListenersOverride(t *testing.T) {
	path := writeConfigFile(t, `
mounts {
  closed.mp3 {
    password "x"
    max_listeners 0
  }
  open.mp3 {
    password "x"
  }
}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	closed := cfg.Mounts["/closed.mp3"]
	if closed.MaxListenersOverride == nil || *closed.MaxListenersOverride != 0 {
		t.Errorf("closed.mp3 MaxListenersOverride = %v, want a pointer to 0", closed.MaxListenersOverride)
	}

	open := cfg.Mounts["/open.mp3"]
	if open.MaxListenersOverride != nil {
		t.Errorf("open.mp3 MaxListenersOverride = %v, want nil (unconfigured)", *open.MaxListenersOverride)
	}
}

func TestLoadMountFieldDefaults(t *testing.T) {
	path := writeConfigFile(t, `
mounts {
  plain.mp3 {
    password "x"
  }
}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mount := cfg.Mounts["/plain.mp3"]
	if !mount.FileSeekable {
		t.Error("FileSeekable should default to true")
	}
	if mount.NoMount || mount.BanClient || mount.SkipAccessLog {
		t.Error("boolean mount flags should default to false")
	}
}
