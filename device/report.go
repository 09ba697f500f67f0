// Package device holds what the keyboard and mouse translators share.
package device

// ReportBuilder is implemented by HID report types carried in a serial frame
// payload.
type ReportBuilder interface {
	// BuildReport encodes the report as sent to the bridge.
	BuildReport() []byte
}
