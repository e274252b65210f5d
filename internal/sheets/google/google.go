package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"fxledger/internal/core"
)

// headerRow is written to A1:G1 when the mirror sheet is empty.
var headerRow = []interface{}{"ID", "Recorded At", "Date", "Category", "Amount", "Currency", "Amount USD"}

// Mirror appends committed ledger entries to a spreadsheet. It is a
// downstream copy only; the SQL ledger remains authoritative.
type Mirror struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string

	mu            sync.Mutex
	headerChecked bool
}

// NewFromEnv creates a mirror authenticated with service account credentials
// taken from GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS.
func NewFromEnv(ctx context.Context, spreadsheetID, sheetName string) (*Mirror, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	creds, err := credentialsFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(ctx, spreadsheetID, sheetName,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsScope),
	)
}

// New creates a mirror with explicit client options.
func New(ctx context.Context, spreadsheetID, sheetName string, opts ...goption.ClientOption) (*Mirror, error) {
	if strings.TrimSpace(sheetName) == "" {
		sheetName = "Ledger"
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	slog.InfoContext(ctx, "Google Sheets mirror ready",
		"spreadsheet_id", spreadsheetID,
		"sheet", sheetName)
	return &Mirror{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

func credentialsFromEnv(ctx context.Context) ([]byte, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))

	// Also check the standard Google Cloud environment variable
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case serviceAccountJSON != "":
		slog.DebugContext(ctx, "Using inline service account credentials")
		return []byte(serviceAccountJSON), nil
	case serviceAccountFile != "":
		slog.DebugContext(ctx, "Reading service account credentials", "path", serviceAccountFile)
		data, err := os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// NewHTTPClient returns a pooled client suitable for goption.WithHTTPClient.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// AppendEntry writes e as one row below the existing data and returns the
// range the API reports as updated.
func (m *Mirror) AppendEntry(ctx context.Context, e core.LedgerEntry) (string, error) {
	if m.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if e.ID <= 0 {
		return "", fmt.Errorf("mirror entry: %w: missing id", core.ErrInvalidInput)
	}
	if err := m.ensureHeader(ctx); err != nil {
		return "", err
	}

	vr := &gsheet.ValueRange{Values: [][]interface{}{entryRow(e)}}
	resp, err := m.svc.Spreadsheets.Values.Append(m.spreadsheetID, m.a1("A:G"), vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append entry %d to %s: %w", e.ID, m.sheetName, err)
	}

	ref := m.a1("A:G")
	if resp != nil && resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		ref = resp.Updates.UpdatedRange
	}
	return ref, nil
}

// ensureHeader writes the header row once per process when A1 is empty.
func (m *Mirror) ensureHeader(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headerChecked {
		return nil
	}

	resp, err := m.svc.Spreadsheets.Values.Get(m.spreadsheetID, m.a1("A1:G1")).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read header of %s: %w", m.sheetName, err)
	}
	if len(resp.Values) == 0 || len(resp.Values[0]) == 0 {
		vr := &gsheet.ValueRange{Values: [][]interface{}{headerRow}}
		_, err := m.svc.Spreadsheets.Values.Update(m.spreadsheetID, m.a1("A1:G1"), vr).
			ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("write header of %s: %w", m.sheetName, err)
		}
		slog.InfoContext(ctx, "Wrote ledger header row", "sheet", m.sheetName)
	}
	m.headerChecked = true
	return nil
}

// a1 builds a quoted A1 range for the mirror sheet.
func (m *Mirror) a1(cells string) string {
	return fmt.Sprintf("'%s'!%s", strings.ReplaceAll(m.sheetName, "'", "''"), cells)
}

func entryRow(e core.LedgerEntry) []interface{} {
	return []interface{}{
		strconv.FormatInt(e.ID, 10),
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.ExpenseDate.Format(core.DateLayout),
		e.Category,
		e.AmountOriginal,
		e.Currency,
		core.Round2(e.AmountUSD),
	}
}
