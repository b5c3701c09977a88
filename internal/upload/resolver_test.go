package upload

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"videoingest/internal/models"
)

type stubProvider struct {
	tag string
}

func (s stubProvider) SourceType() string { return s.tag }

func (s stubProvider) Execute(ctx context.Context, job *models.Job, sink ProgressSink) Result {
	return Succeeded("id", "/path", "https://example.com")
}

var _ Provider = stubProvider{}

func TestResolverIsCaseInsensitive(t *testing.T) {
	resolver, err := NewResolver(stubProvider{tag: "archive"}, stubProvider{tag: "Vimeo"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	for _, tag := range []string{"vimeo", "VIMEO", " Vimeo "} {
		p, err := resolver.Resolve(tag)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tag, err)
		}
		if p.SourceType() != "Vimeo" {
			t.Fatalf("Resolve(%q) returned %q", tag, p.SourceType())
		}
	}
	if got := resolver.SourceTypes(); !reflect.DeepEqual(got, []string{"archive", "vimeo"}) {
		t.Fatalf("unexpected source types %v", got)
	}
}

func TestResolverFailsFastForUnknownTag(t *testing.T) {
	resolver, err := NewResolver(stubProvider{tag: "archive"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	_, err = resolver.Resolve("dailymotion")
	if !errors.Is(err, ErrUnknownSourceType) {
		t.Fatalf("expected ErrUnknownSourceType, got %v", err)
	}
	if KindOf(err) != FailureConfiguration {
		t.Fatalf("expected configuration failure, got %s", KindOf(err))
	}
}

func TestResolverRejectsDuplicates(t *testing.T) {
	if _, err := NewResolver(stubProvider{tag: "youtube"}, stubProvider{tag: "YouTube"}); err == nil {
		t.Fatal("expected duplicate tag error")
	}
	if _, err := NewResolver(stubProvider{tag: " "}); err == nil {
		t.Fatal("expected empty tag error")
	}
}
