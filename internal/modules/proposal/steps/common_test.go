package steps

import (
	"context"
	"testing"

	"github.com/draftwell/propgen-backend/internal/platform/llm"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

type fakeAI struct {
	generate     func(req llm.Request) (string, error)
	generateJSON func(req llm.Request) (map[string]any, error)
}

func (f *fakeAI) Generate(ctx context.Context, req llm.Request) (string, error) {
	if f.generate == nil {
		return "", nil
	}
	return f.generate(req)
}

func (f *fakeAI) GenerateJSON(ctx context.Context, req llm.Request) (map[string]any, error) {
	if f.generateJSON == nil {
		return map[string]any{}, nil
	}
	return f.generateJSON(req)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestEstimatePageCount(t *testing.T) {
	if got := estimatePageCount(""); got != 0 {
		t.Fatalf("empty content: got %d pages", got)
	}
	if got := estimatePageCount("one two three"); got != 1 {
		t.Fatalf("short content: got %d pages, want 1", got)
	}
}
