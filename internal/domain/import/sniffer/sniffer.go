// Package sniffer detects the shape of uploaded bank CSV exports: the field
// delimiter, where the header row sits, and which columns look like date,
// description, and amount.
package sniffer

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"unicode"
)

var headerKeywords = []string{
	"date", "posted", "transaction", "description", "memo", "payee",
	"amount", "debit", "credit", "balance", "merchant", "details",
}

// FileConfig holds the detected layout of an uploaded CSV file.
type FileConfig struct {
	Delimiter   rune       // field delimiter (',', ';', '\t', '|')
	SkipLines   int        // metadata lines before the header row
	Headers     []string   // trimmed header names
	Fingerprint string     // sha256 of normalized headers, stable per bank format
	SampleRows  [][]string // first few data rows, fed to column detection
}

// ColumnSuggestions carries keyword-matched column indices, -1 when not found.
// Used as a fallback when model-based column detection is unavailable.
type ColumnSuggestions struct {
	DateCol   int
	DescCol   int
	AmountCol int
}

var (
	ErrEmptyFile      = errors.New("file is empty")
	ErrNoHeadersFound = errors.New("could not find data headers")
)

// DetectConfig analyzes raw CSV bytes and returns the detected layout.
func DetectConfig(data []byte) (*FileConfig, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(string(data), "\n")
	delimiter, skipLines, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(lines[skipLines]))
	reader.Comma = delimiter
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	return &FileConfig{
		Delimiter:   delimiter,
		SkipLines:   skipLines,
		Headers:     headers,
		Fingerprint: generateFingerprint(headers),
		SampleRows:  readRows(data, delimiter, skipLines+1, 5),
	}, nil
}

// ReadRows returns every data row after the header, using the detected layout.
func ReadRows(data []byte, cfg *FileConfig) [][]string {
	return readRows(data, cfg.Delimiter, cfg.SkipLines+1, -1)
}

// SuggestColumns keyword-matches header names to the three fields the
// pipeline needs. First match wins per field.
func SuggestColumns(headers []string) *ColumnSuggestions {
	s := &ColumnSuggestions{DateCol: -1, DescCol: -1, AmountCol: -1}

	for i, header := range headers {
		h := strings.ToLower(strings.TrimSpace(header))

		if s.DateCol == -1 && (strings.Contains(h, "date") || strings.Contains(h, "posted")) {
			s.DateCol = i
		}
		if s.DescCol == -1 && (strings.Contains(h, "descri") || strings.Contains(h, "memo") ||
			strings.Contains(h, "payee") || strings.Contains(h, "merchant") || strings.Contains(h, "details")) {
			s.DescCol = i
		}
		if s.AmountCol == -1 && (h == "amount" || strings.Contains(h, "amount")) {
			s.AmountCol = i
		}
	}

	return s
}

func findHeaderRow(lines []string) (rune, int, error) {
	delimiters := []rune{',', ';', '\t', '|'}

	for i, line := range lines {
		if i > 20 {
			break
		}

		lineLower := strings.ToLower(line)
		hasKeyword := false
		for _, kw := range headerKeywords {
			if strings.Contains(lineLower, kw) {
				hasKeyword = true
				break
			}
		}
		if !hasKeyword {
			continue
		}

		for _, d := range delimiters {
			if strings.Count(line, string(d)) >= 2 {
				return d, i, nil
			}
		}
	}

	return 0, 0, ErrNoHeadersFound
}

func generateFingerprint(headers []string) string {
	var normalized []string
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(hash[:])
}

func readRows(data []byte, delimiter rune, startLine, maxRows int) [][]string {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var rows [][]string
	lineNum := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		if lineNum >= startLine {
			rows = append(rows, record)
			if maxRows > 0 && len(rows) >= maxRows {
				break
			}
		}
		lineNum++
	}

	return rows
}
