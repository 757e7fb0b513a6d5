package packages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResolveDefault(t *testing.T) {
	bundle, err := Source{}.Resolve("centos", "1234")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	expectedURL := "http://10.84.5.100/cs-shared/builder/centos64_os/1234/contrail-install-packages-1.03-1234.el6.noarch.rpm"
	if bundle.URL != expectedURL {
		t.Errorf("Expected URL '%s', got '%s'", expectedURL, bundle.URL)
	}
	if bundle.File != "contrail-install-packages-1.03-1234.el6.noarch.rpm" {
		t.Errorf("Unexpected file name '%s'", bundle.File)
	}
}

func TestResolveCustomTemplate(t *testing.T) {
	bundle, err := Source{URLTemplate: "https://mirror.local/{{.Distribution}}/{{.Build}}/pkgs.rpm"}.Resolve("centos", "77")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if bundle.URL != "https://mirror.local/centos/77/pkgs.rpm" || bundle.File != "pkgs.rpm" {
		t.Errorf("Unexpected bundle %+v", bundle)
	}
}

func TestResolveInvalid(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{"bad template", "http://x/{{.Build"},
		{"unknown field", "http://x/{{.Release}}"},
		{"no host", "/{{.Build}}/pkgs.rpm"},
		{"no file", "http://x/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (Source{URLTemplate: tt.template}).Resolve("centos", "1"); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD request, got %s", r.Method)
		}
		if r.URL.Path == "/1234/pkgs.rpm" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	checker := NewChecker(0, 5*time.Second)

	if err := checker.Check(context.Background(), server.URL+"/1234/pkgs.rpm"); err != nil {
		t.Errorf("Check failed for existing bundle: %v", err)
	}
	if err := checker.Check(context.Background(), server.URL+"/9999/pkgs.rpm"); err == nil {
		t.Error("Expected error for missing bundle, got nil")
	}
}

func TestCheckRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := NewChecker(2, 5*time.Second).Check(context.Background(), server.URL+"/pkgs.rpm"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}
