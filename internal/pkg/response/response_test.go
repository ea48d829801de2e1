package response

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/pkg/apperr"
)

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("transcript x: %w", apperr.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("transcript x is completed: %w", apperr.ErrInvalidState), http.StatusConflict},
		{apperr.ErrEmptyTranscript, http.StatusUnprocessableEntity},
		{apperr.ErrUnsupportedLanguage, http.StatusUnprocessableEntity},
		{apperr.Transient("stt", errors.New("503")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, tc.err)
		if w.Code != tc.want {
			t.Fatalf("%v: status %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestOKWrapsSlices(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	OK(c, []string{"a"})
	if w.Body.String() != `{"data":["a"]}` {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}
