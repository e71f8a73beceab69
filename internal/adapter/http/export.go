package http

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"strings"
)

var exportHeader = []string{"id", "userId", "plan", "price", "currency", "status", "startDate", "endDate"}

type ExportInput struct {
	Status string `query:"status" required:"false" enum:"pending,active,rejected,cancelled,expired" doc:"Filter by status"`
}

type ExportOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// export writes every subscription visible to the caller as CSV.
func (h *handler) export(ctx context.Context, input *ExportInput) (*ExportOutput, error) {
	subs, err := h.svc.List(ctx, h.filter(ctx, input.Status, 0, 0))
	if err != nil {
		return nil, toHumaError(err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(exportHeader)
	for _, s := range subs {
		_ = w.Write([]string{
			s.ID,
			csvCell(s.UserID),
			csvCell(s.Plan.Name),
			strconv.FormatInt(s.Plan.Price, 10),
			csvCell(s.Plan.Currency),
			string(s.Status),
			formatTime(s.StartDate),
			formatTime(s.EndDate),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, toHumaError(err)
	}

	return &ExportOutput{
		ContentType:        "text/csv; charset=utf-8",
		ContentDisposition: `attachment; filename="subscriptions.csv"`,
		Body:               buf.Bytes(),
	}, nil
}

// csvCell quotes client-supplied text that a spreadsheet would otherwise
// evaluate as a formula.
func csvCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}
