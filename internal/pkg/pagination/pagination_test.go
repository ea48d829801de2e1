package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestFromContextClamps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		query string
		want  Query
	}{
		{"", Query{Page: 1, Size: DefaultSize}},
		{"?page=3&size=5", Query{Page: 3, Size: 5}},
		{"?page=-1&size=1000", Query{Page: 1, Size: MaxSize}},
		{"?page=x&size=y", Query{Page: 1, Size: DefaultSize}},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/transcripts"+tc.query, nil)
		if got := FromContext(c); got != tc.want {
			t.Fatalf("%q: got %+v, want %+v", tc.query, got, tc.want)
		}
	}
	if off := (Query{Page: 3, Size: 20}).Offset(); off != 40 {
		t.Fatalf("offset %d", off)
	}
}
