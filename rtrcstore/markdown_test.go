package rtrcstore_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/rtrcstore"
)

func TestEncodeMarkdown(t *testing.T) {
	t.Parallel()

	rec := testRecord("checkout.show")
	rec.Exception = &rtrc.Exception{Message: "boom", File: "/srv/app/checkout.go", Line: 42}

	var buf bytes.Buffer
	if err := rtrcstore.EncodeMarkdown(&buf, rec); err != nil {
		t.Fatal(err)
	}

	want := strings.Join([]string{
		"# Route Trace: checkout.show",
		"",
		"**URI:** `/checkout/42`",
		"**Method:** `GET`",
		"**Controller:** `CheckoutController.Show`",
		"**Execution Time:** 12.34ms",
		"**Memory Used:** -0.12MB",
		"**Timestamp:** 2024-01-02T03:04:05Z",
		"",
		"## Exception",
		"",
		"**Message:** boom",
		"**File:** /srv/app/checkout.go:42",
		"",
		"## Files Loaded (3)",
		"",
		"### Controllers (1)",
		"",
		"- `app/Http/Controllers/CheckoutController.go`",
		"",
		"### Models (2)",
		"",
		"- `app/Models/Cart.go`",
		"- `app/Models/Order.go`",
		"",
		"",
	}, "\n")

	if have := buf.String(); want != have {
		t.Error(cmp.Diff(want, have))
	}
}

func TestMarkdownRoundTrip(t *testing.T) {
	t.Parallel()

	for name, rec := range map[string]*rtrc.Record{
		"basic": testRecord("basic"),
		"exception": func() *rtrc.Record {
			rec := testRecord("exception")
			rec.Exception = &rtrc.Exception{Message: "first line\nsecond line", File: `C:\app\x.go`, Line: 7}
			return rec
		}(),
		"exception with location lines": func() *rtrc.Record {
			rec := testRecord("wrapped")
			rec.Exception = &rtrc.Exception{Message: "wrapped\n**File:** inner.go:1\n\nouter\n", File: "app/x.go", Line: 3}
			return rec
		}(),
		"exception with carriage returns": func() *rtrc.Record {
			rec := testRecord("crlf")
			rec.Exception = &rtrc.Exception{Message: "first\r\nsecond\r", File: "app/x.go", Line: 3}
			return rec
		}(),
		"unlocated exception": func() *rtrc.Record {
			rec := testRecord("unlocated")
			rec.Exception = &rtrc.Exception{Message: "no location"}
			return rec
		}(),
		"no files": {
			Route:       "empty",
			Controller:  "unknown",
			FilesLoaded: rtrc.Files{},
			Timestamp:   "2024-01-02T03:04:05Z",
		},
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := rtrcstore.EncodeMarkdown(&buf, rec); err != nil {
				t.Fatal(err)
			}
			decoded, err := rtrcstore.DecodeMarkdown(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if want, have := rec, decoded; !cmp.Equal(want, have) {
				t.Error(cmp.Diff(want, have))
			}
		})
	}
}
