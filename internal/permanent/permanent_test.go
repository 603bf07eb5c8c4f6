package permanent

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMarkSurvivesWrapping(t *testing.T) {
	t.Parallel()

	root := errors.New("chat not found")
	wrapped := fmt.Errorf("deliver: %w", Mark(root))
	if !Is(wrapped) || !errors.Is(wrapped, root) {
		t.Fatalf("marker or cause lost: %v", wrapped)
	}
	if Mark(nil) != nil || Is(nil) || Is(root) {
		t.Fatalf("nil and plain errors must not be permanent")
	}
}

func TestForStatus(t *testing.T) {
	t.Parallel()

	cause := errors.New("upstream rejected")
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnauthorized:        true,
		http.StatusNotFound:            true,
		http.StatusRequestTimeout:      false,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusOK:                  false,
	}
	for status, want := range cases {
		if got := Is(ForStatus(status, cause)); got != want {
			t.Fatalf("status %d: permanent=%v want %v", status, got, want)
		}
	}
	if ForStatus(http.StatusBadRequest, nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
