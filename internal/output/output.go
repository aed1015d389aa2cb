// Package output provides styled terminal output helpers (success, error,
// warning, money and transaction formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/cashew/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	creditStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	debitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[models.QueueStatus]lipgloss.Style{
		models.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// OutputMode determines output format
type OutputMode int

const (
	ModeShort OutputMode = iota
	ModeLong
	ModeJSON
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound          = "not_found"
	ErrCodeInvalidInput      = "invalid_input"
	ErrCodeInsufficientFunds = "insufficient_funds"
	ErrCodeNotLinked         = "not_linked"
	ErrCodeDatabaseError     = "database_error"
	ErrCodeSyncError         = "sync_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	fmt.Printf(`{"error":{"code":"%s","message":"%s"}}`, code, message)
	fmt.Println()
}

// Money formats minor units as a decimal amount with currency, e.g. "12.50 EUR".
func Money(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}

// FormatAmount renders a signed transaction amount with color: credits green,
// debits red.
func FormatAmount(t *models.Transaction, currency string) string {
	signed := t.SignedAmount()
	s := Money(signed, currency)
	if signed >= 0 {
		return creditStyle.Render("+" + s)
	}
	return debitStyle.Render(s)
}

// FormatQueueStatus formats a queue status with color
func FormatQueueStatus(s models.QueueStatus) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatBalance renders an account's balances: authoritative, pending and
// effective. The pending component only appears when non-zero.
func FormatBalance(a *models.Account) string {
	eff := titleStyle.Render(Money(a.EffectiveBalance(), a.Currency))
	if a.PendingDelta == 0 {
		return eff
	}
	pending := a.PendingDelta
	sign := "+"
	if pending < 0 {
		sign = ""
	}
	return fmt.Sprintf("%s %s", eff,
		pendingStyle.Render(fmt.Sprintf("(%s %s%s pending)", Money(a.Balance, a.Currency), sign, Money(pending, a.Currency))))
}

// FormatTransactionShort formats a transaction in short format
func FormatTransactionShort(t *models.Transaction, currency string) string {
	var parts []string
	parts = append(parts, subtleStyle.Render(t.CreatedAt.Format("2006-01-02 15:04")))
	parts = append(parts, fmt.Sprintf("%-12s", t.Kind))
	parts = append(parts, FormatAmount(t, currency))
	if t.IsOffline {
		parts = append(parts, pendingStyle.Render("[pending]"))
	} else {
		parts = append(parts, successStyle.Render("[confirmed]"))
	}
	if t.VendorRef != "" {
		parts = append(parts, subtleStyle.Render(t.VendorRef))
	}
	return strings.Join(parts, "  ")
}

// FormatAccountShort formats an account in short format
func FormatAccountShort(a *models.Account) string {
	var parts []string
	parts = append(parts, titleStyle.Render(a.LocalID))
	if a.Label != "" {
		parts = append(parts, a.Label)
	}
	parts = append(parts, FormatBalance(a))
	if !a.IsSynced {
		parts = append(parts, warningStyle.Render("[unsynced]"))
	}
	return strings.Join(parts, "  ")
}

// FormatQueueItem formats a queue item in short format
func FormatQueueItem(item *models.QueueItem) string {
	var parts []string
	parts = append(parts, titleStyle.Render(fmt.Sprintf("#%d", item.ID)))
	parts = append(parts, fmt.Sprintf("%s/%s", item.EntityType, item.Operation))
	parts = append(parts, subtleStyle.Render(item.EntityID))
	parts = append(parts, fmt.Sprintf("[%s]", item.Priority))
	parts = append(parts, FormatQueueStatus(item.Status))
	if item.RetryCount > 0 {
		parts = append(parts, warningStyle.Render(fmt.Sprintf("retries=%d", item.RetryCount)))
	}
	if item.LastError != "" {
		// Server rejection messages can run long; keep the line on one row.
		budget := TerminalWidth(defaultWidth) / 2
		parts = append(parts, errorStyle.Render(Truncate(item.LastError, budget)))
	}
	return strings.Join(parts, "  ")
}
