package journal

import (
	"context"
	"testing"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/orders"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	if errs.CodeOf(err) != errs.CodeConfiguration {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestAppendRequiresPool(t *testing.T) {
	j := NewJournal(nil)
	err := j.Append(context.Background(), orders.Order{ClientOrderID: "ord-1"})
	if errs.CodeOf(err) != errs.CodeConfiguration {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestAppendRequiresClientOrderID(t *testing.T) {
	j := NewJournal(nil)
	err := j.Append(context.Background(), orders.Order{})
	if errs.CodeOf(err) != errs.CodeConfiguration && errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestResolveDirRejectsMissingPath(t *testing.T) {
	if _, err := resolveDir(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := resolveDir("/definitely/not/here"); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestResolveDirAcceptsDirectory(t *testing.T) {
	dir := t.TempDir()
	resolved, err := resolveDir(dir)
	if err != nil {
		t.Fatalf("resolveDir error = %v", err)
	}
	if resolved == "" {
		t.Fatalf("empty resolved path")
	}
}

func TestFileURL(t *testing.T) {
	if got := fileURL("/tmp/migrations"); got != "file:///tmp/migrations" {
		t.Fatalf("fileURL = %q", got)
	}
}
