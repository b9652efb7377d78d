package extract

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

// literalRe matches PDF string literals such as (Section 4.2).
var literalRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// pdfText reads a PDF from memory and returns its page count and the text
// shown by its content streams. Pages whose streams cannot be read are
// skipped.
func pdfText(body []byte) (pages int, text string, err error) {
	disableConfigDir.Do(api.DisableConfigDir)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf: %v", r)
		}
	}()

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(body), model.NewDefaultConfiguration())
	if err != nil {
		return 0, "", fmt.Errorf("read pdf: %w", err)
	}

	var sb strings.Builder
	for nr := 1; nr <= ctx.PageCount; nr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, nr)
		if err != nil || r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		page := streamText(data)
		if page == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page)
	}
	return ctx.PageCount, sb.String(), nil
}

// streamText collects the operands of the text showing operators Tj, TJ
// and ' in a content stream.
func streamText(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
		case bytes.HasSuffix(line, []byte("'")):
			sb.WriteByte('\n')
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			continue
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
			continue
		default:
			continue
		}
		for _, m := range literalRe.FindAllSubmatch(line, -1) {
			sb.WriteString(unescapeLiteral(m[1]))
		}
	}
	return strings.TrimSpace(sb.String())
}

func unescapeLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 == len(raw) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		default:
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}
