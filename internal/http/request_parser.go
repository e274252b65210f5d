// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating HTTP request data.

package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fxledger/internal/core"
)

// maxBodyBytes bounds POST bodies; an expense is a handful of fields.
const maxBodyBytes = 64 << 10

// MonthParams holds parsed year/month values from request parameters.
type MonthParams struct {
	Year  int
	Month int
}

// ParseMonthParams extracts year and month from query parameters, using
// now for missing values. Non-numeric values are rejected; range checks are
// left to the report service.
func ParseMonthParams(query url.Values, now time.Time) (MonthParams, error) {
	params := MonthParams{
		Year:  now.Year(),
		Month: int(now.Month()),
	}

	if v := strings.TrimSpace(query.Get("year")); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return MonthParams{}, fmt.Errorf("%w: year %q is not a number", core.ErrInvalidInput, v)
		}
		params.Year = y
	}
	if v := strings.TrimSpace(query.Get("month")); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil {
			return MonthParams{}, fmt.Errorf("%w: month %q is not a number", core.ErrInvalidInput, v)
		}
		params.Month = m
	}

	return params, nil
}

// ParseLimit reads a positive "limit" query value, clamped to max.
func ParseLimit(query url.Values, def, max int) int {
	v := strings.TrimSpace(query.Get("limit"))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ParseSymbols splits a comma-separated "symbols" query value.
func ParseSymbols(query url.Values) []string {
	var out []string
	for _, part := range strings.Split(query.Get("symbols"), ",") {
		if code := core.NormalizeCode(part); code != "" {
			out = append(out, code)
		}
	}
	return out
}

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON objects and form-encoded data.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]interface{}
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if p.err == nil && len(p.body) > maxBodyBytes {
		p.err = fmt.Errorf("%w: request body exceeds %d bytes", core.ErrInvalidInput, maxBodyBytes)
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if strings.HasPrefix(p.contentType, "application/json") || p.body[0] == '{' {
		p.jsonData = make(map[string]interface{})
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.err = fmt.Errorf("%w: malformed JSON body: %v", core.ErrInvalidInput, err)
			p.jsonData = nil
			return p.err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	if p.err != nil {
		p.err = fmt.Errorf("%w: malformed form body: %v", core.ErrInvalidInput, p.err)
	}
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return sanitizeInput(stringValue(val))
		}
		return ""
	}
	if p.formData != nil {
		return sanitizeInput(p.formData.Get(key))
	}
	return ""
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// ExpenseInput builds the ledger input from the parsed body. category is
// passed through clean, which strips markup.
func (p *RequestBodyParser) ExpenseInput(clean func(string) string) (core.ExpenseInput, error) {
	rawAmount := p.Get("amount")
	if rawAmount == "" {
		return core.ExpenseInput{}, fmt.Errorf("%w: amount is required", core.ErrInvalidInput)
	}
	amount, err := strconv.ParseFloat(rawAmount, 64)
	if err != nil {
		return core.ExpenseInput{}, fmt.Errorf("%w: amount %q is not a number", core.ErrInvalidInput, rawAmount)
	}

	category := p.Get("category")
	if clean != nil {
		category = clean(category)
	}

	date := p.Get("expense_date")
	if date == "" {
		date = p.Get("date")
	}

	return core.ExpenseInput{
		Category:    category,
		Amount:      amount,
		Currency:    p.Get("currency"),
		ExpenseDate: date,
	}, nil
}

// stringValue converts an interface{} to string.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}
