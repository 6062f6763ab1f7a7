package panel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	cat, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	if len(cat.Questions) < DefaultQuestionTarget {
		t.Fatalf("questions = %d, want at least %d", len(cat.Questions), DefaultQuestionTarget)
	}
	if len(cat.Interviewers) < DefaultRosterSize {
		t.Fatalf("interviewers = %d, want at least %d", len(cat.Interviewers), DefaultRosterSize)
	}
	female := VoiceGender("female")
	found := false
	for _, iv := range cat.Interviewers {
		found = found || female(iv)
	}
	if !found {
		t.Fatalf("default catalog has no interviewer matching the default diversity predicate")
	}
}

func TestLoadCatalogOverridesQuestions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	body := `category_priority: [coding]
questions:
  - {id: c1, category: coding, expected_seconds: 60, text: "Reverse a linked list."}
  - {id: c2, category: coding, expected_seconds: 60, text: "Find the median of two sorted arrays."}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write pool: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(cat.Questions) != 2 || cat.Questions[1].ExpectedDuration != 60 {
		t.Fatalf("questions = %+v", cat.Questions)
	}
	if len(cat.Interviewers) == 0 {
		t.Fatalf("built-in interviewers dropped by a questions-only override")
	}
}

func TestLoadCatalogRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	body := `questions:
  - {id: c1, category: coding, text: "one"}
  - {id: c1, category: coding, text: "two"}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write pool: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatalf("LoadCatalog() expected duplicate id error")
	}
}

func TestLoadCatalogRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(path, []byte("questionz: []\n"), 0o600); err != nil {
		t.Fatalf("write pool: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatalf("LoadCatalog() expected unknown field error")
	}
}
