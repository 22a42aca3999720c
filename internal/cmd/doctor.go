package cmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/insurechat/insurechat/internal/config"
)

var (
	doctorTimeout time.Duration
	doctorJSON    bool
)

type connectivityReport struct {
	Timestamp string              `json:"timestamp"`
	BaseURL   string              `json:"base_url"`
	APIMode   string              `json:"api_mode"`
	Model     string              `json:"model"`
	Checks    []connectivityCheck `json:"checks"`
	OK        bool                `json:"ok"`
	Hints     []string            `json:"hints,omitempty"`
}

type connectivityCheck struct {
	Name      string         `json:"name"`
	OK        bool           `json:"ok"`
	Skipped   bool           `json:"skipped,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the upstream provider",
	Long: `Probe the configured provider layer by layer (DNS, TCP, TLS, authenticated
HTTP) and report where a connection fails. The API key is sent only to the
configured base URL and is never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		report := runConnectivity(cmd.Context(), cfg, doctorTimeout)

		out := cmd.OutOrStdout()
		if doctorJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			renderConnectivityReport(out, report)
		}

		if !report.OK {
			return fmt.Errorf("provider connectivity check failed")
		}
		return nil
	},
}

func runConnectivity(ctx context.Context, cfg *config.Config, timeout time.Duration) *connectivityReport {
	report := &connectivityReport{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		BaseURL:   cfg.Provider.BaseURL,
		APIMode:   cfg.Provider.APIMode,
		Model:     cfg.Chat.Model,
	}

	u, err := url.Parse(cfg.Provider.BaseURL)
	if err != nil || u.Hostname() == "" {
		report.Checks = append(report.Checks, connectivityCheck{
			Name: "base_url", Code: "INVALID_URL", Message: fmt.Sprintf("cannot parse %q", cfg.Provider.BaseURL),
		})
		report.Hints = append(report.Hints, "set OPENAI_BASE_URL to an absolute URL such as https://api.openai.com/v1")
		return report
	}

	host := u.Hostname()
	port := 443
	if u.Scheme == "http" {
		port = 80
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	dns := runDNSCheck(ctx, host, timeout)
	report.Checks = append(report.Checks, dns)

	var conn net.Conn
	tcp := connectivityCheck{Name: "tcp", Skipped: true}
	if dns.OK {
		tcp, conn = runTCPCheck(ctx, host, port, timeout)
	}
	report.Checks = append(report.Checks, tcp)

	tlsCheck := connectivityCheck{Name: "tls", Skipped: true}
	if u.Scheme == "https" && conn != nil {
		tlsCheck = runTLSCheck(ctx, host, conn, timeout)
	} else if conn != nil {
		_ = conn.Close()
	}
	report.Checks = append(report.Checks, tlsCheck)

	auth := connectivityCheck{Name: "http_auth", Skipped: true}
	if tcp.OK && (tlsCheck.OK || tlsCheck.Skipped) {
		auth = runHTTPAuthCheck(ctx, cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Project, timeout)
	}
	report.Checks = append(report.Checks, auth)

	report.OK, report.Hints = summarizeConnectivity(report.Checks)
	return report
}

func runDNSCheck(ctx context.Context, host string, timeout time.Duration) connectivityCheck {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	check := connectivityCheck{Name: "dns", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		check.Code, check.Message = "DNS_ERROR", err.Error()
		return check
	}

	resolved := make([]string, 0, len(ips))
	for _, ip := range ips {
		resolved = append(resolved, ip.IP.String())
	}
	check.OK = true
	check.Details = map[string]any{"resolved_ips": resolved}
	return check
}

func runTCPCheck(ctx context.Context, host string, port int, timeout time.Duration) (connectivityCheck, net.Conn) {
	start := time.Now()
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	check := connectivityCheck{Name: "tcp", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		check.Code, check.Message = "TCP_ERROR", err.Error()
		return check, nil
	}
	check.OK = true
	check.Details = map[string]any{"remote_addr": conn.RemoteAddr().String()}
	return check, conn
}

func runTLSCheck(ctx context.Context, host string, conn net.Conn, timeout time.Duration) connectivityCheck {
	check := connectivityCheck{Name: "tls"}
	start := time.Now()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	client := tls.Client(conn, &tls.Config{ServerName: host})
	defer func() { _ = client.Close() }()

	err := client.HandshakeContext(ctx)
	check.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		check.Code, check.Message = "TLS_ERROR", err.Error()
		return check
	}

	state := client.ConnectionState()
	check.OK = true
	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		check.Details = map[string]any{
			"cipher_suite":   tls.CipherSuiteName(state.CipherSuite),
			"cert_subject":   leaf.Subject.CommonName,
			"cert_issuer":    leaf.Issuer.CommonName,
			"cert_not_after": leaf.NotAfter.UTC().Format(time.RFC3339),
		}
	}
	return check
}

// runHTTPAuthCheck lists models, which needs a valid key but generates nothing.
func runHTTPAuthCheck(ctx context.Context, baseURL, apiKey, project string, timeout time.Duration) connectivityCheck {
	check := connectivityCheck{Name: "http_auth"}
	if strings.TrimSpace(apiKey) == "" {
		check.Skipped = true
		check.Code, check.Message = "NO_API_KEY", "no API key configured"
		return check
	}

	modelsURL := strings.TrimRight(baseURL, "/") + "/models"
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL, nil)
	if err != nil {
		check.Code, check.Message = "HTTP_REQUEST_ERROR", err.Error()
		return check
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	if project != "" {
		req.Header.Set("OpenAI-Project", project)
	}

	start := time.Now()
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	check.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		check.Code, check.Message = "HTTP_ERROR", err.Error()
		return check
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 32768))

	check.Details = map[string]any{"url": modelsURL, "status_code": resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusOK:
		check.OK = true
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		check.Code, check.Message = "AUTH_ERROR", resp.Status
	case resp.StatusCode == http.StatusTooManyRequests:
		check.Code, check.Message = "RATE_LIMITED", resp.Status
	case resp.StatusCode >= 500:
		check.Code, check.Message = "PROVIDER_UNAVAILABLE", resp.Status
	default:
		check.Code, check.Message = "HTTP_STATUS_ERROR", resp.Status
	}
	return check
}

// summarizeConnectivity reports overall success and a hint for the first failing layer.
func summarizeConnectivity(checks []connectivityCheck) (bool, []string) {
	for _, chk := range checks {
		if chk.OK || (chk.Skipped && chk.Code == "") {
			continue
		}
		switch chk.Code {
		case "DNS_ERROR":
			return false, []string{"the provider host does not resolve; check DNS or OPENAI_BASE_URL"}
		case "TCP_ERROR":
			return false, []string{"the provider port is unreachable; check firewall and proxy settings"}
		case "TLS_ERROR":
			return false, []string{"TLS handshake failed; a proxy may be intercepting traffic"}
		case "NO_API_KEY":
			return false, []string{"set OPENAI_API_KEY"}
		case "AUTH_ERROR":
			return false, []string{"the provider rejected the API key or project"}
		case "RATE_LIMITED":
			return false, []string{"the provider is rate limiting this key; retry later"}
		default:
			return false, nil
		}
	}
	return true, nil
}

func renderConnectivityReport(out io.Writer, report *connectivityReport) {
	status := "OK"
	if !report.OK {
		status = "FAIL"
	}

	lines := []string{
		fmt.Sprintf("Provider connectivity (%s)", status),
		"",
		fmt.Sprintf("url:    %s", report.BaseURL),
		fmt.Sprintf("mode:   %s", report.APIMode),
		fmt.Sprintf("model:  %s", report.Model),
		"",
	}
	for _, chk := range report.Checks {
		if chk.Skipped && chk.Code == "" {
			lines = append(lines, fmt.Sprintf("%-10s skipped", chk.Name+":"))
			continue
		}
		symbol, msg := "✅", "ok"
		if !chk.OK {
			symbol, msg = "❌", chk.Code
		}
		suffix := ""
		if chk.LatencyMS > 0 {
			suffix = fmt.Sprintf(" (%dms)", chk.LatencyMS)
		}
		lines = append(lines, fmt.Sprintf("%-10s %s %s%s", chk.Name+":", symbol, msg, suffix))
	}
	if len(report.Hints) > 0 {
		lines = append(lines, "", "hints:")
		for _, hint := range report.Hints {
			lines = append(lines, "- "+hint)
		}
	}

	_, _ = fmt.Fprint(out, ascii.DrawBox(strings.Join(lines, "\n"), 0))
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 10*time.Second, "per-check timeout")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
}
