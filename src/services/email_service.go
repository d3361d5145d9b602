package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/username/cryptotaxreports/src/config"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security"
)

type EmailService interface {
	SendReportReadyEmail(toEmail, name, reportTitle, downloadLink string, expiresAt time.Time) error
	SendReportFailedEmail(toEmail, name, reportTitle, reason string) error
}

func NewEmailService() EmailService {
	if config.Cfg == nil {
		logger.L.Error("Configuration (config.Cfg) is nil. Email service will default to mock.")
		return &MockEmailService{}
	}

	provider := strings.ToLower(config.Cfg.EmailServiceProvider)
	logger.L.Info("Initializing email service", "provider", provider)

	switch provider {
	case "mailgun":
		if config.Cfg.MailgunDomain == "" || config.Cfg.MailgunPrivateAPIKey == "" || config.Cfg.SenderEmail == "" {
			logger.L.Warn("Mailgun configuration incomplete (Domain, API Key, or SenderEmail missing). Falling back to MockEmailService.")
			return &MockEmailService{}
		}
		mg := mailgun.NewMailgun(config.Cfg.MailgunDomain, config.Cfg.MailgunPrivateAPIKey)
		logger.L.Info("Mailgun client initialized", "domain", config.Cfg.MailgunDomain)
		return &MailgunEmailService{
			mg:          mg,
			senderEmail: config.Cfg.SenderEmail,
			senderName:  config.Cfg.SenderName,
		}
	default:
		logger.L.Info("Defaulting to MockEmailService.")
		return &MockEmailService{}
	}
}

type MailgunEmailService struct {
	mg          mailgun.Mailgun
	senderEmail string
	senderName  string
}

func (s *MailgunEmailService) SendReportReadyEmail(toEmail, name, reportTitle, downloadLink string, expiresAt time.Time) error {
	subject := fmt.Sprintf("Your %s report is ready", reportTitle)
	plainTextBody := fmt.Sprintf(`Hi %s,

Your %s report has been generated. Download it here:
%s

The link expires at %s.`, name, reportTitle, downloadLink, expiresAt.UTC().Format(time.RFC1123))

	htmlBody := fmt.Sprintf(`
	<html>
		<body style="font-family: Arial, sans-serif; line-height: 1.6;">
			<p>Hi %s,</p>
			<p>Your %s report has been generated.</p>
			<p><a href="%s" target="_blank" style="color: #1a73e8; font-weight: bold;">Download report</a></p>
			<p>The link expires at %s.</p>
		</body>
	</html>`, name, reportTitle, downloadLink, expiresAt.UTC().Format(time.RFC1123))

	return s.send(toEmail, subject, plainTextBody, htmlBody, "report-ready")
}

func (s *MailgunEmailService) SendReportFailedEmail(toEmail, name, reportTitle, reason string) error {
	subject := fmt.Sprintf("Your %s report could not be generated", reportTitle)
	plainTextBody := fmt.Sprintf(`Hi %s,

We could not generate your %s report: %s`, name, reportTitle, reason)
	htmlBody := fmt.Sprintf(`
	<html>
		<body style="font-family: Arial, sans-serif; line-height: 1.6;">
			<p>Hi %s,</p>
			<p>We could not generate your %s report.</p>
			<p>%s</p>
		</body>
	</html>`, name, reportTitle, reason)

	return s.send(toEmail, subject, plainTextBody, htmlBody, "report-failed")
}

func (s *MailgunEmailService) send(toEmail, subject, text, html, tag string) error {
	from := fmt.Sprintf("%s <%s>", s.senderName, s.senderEmail)
	message := s.mg.NewMessage(from, subject, text, toEmail)
	message.SetHtml(html)
	message.AddTag(tag)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()
	resp, id, err := s.mg.Send(ctx, message)
	if err != nil {
		logger.L.Error("Failed to send email via Mailgun", "error", err, "to", toEmail, "tag", tag, "mailgunResp", resp)
		return fmt.Errorf("mailgun send failed: %w. Response: %s", err, resp)
	}
	logger.L.Info("Email sent via Mailgun", "to", toEmail, "tag", tag, "id", id)
	return nil
}

type MockEmailService struct {
	mu   sync.Mutex
	sent []string
}

// Sent lists "ready:<to>" and "failed:<to>" for every email that would have
// been sent.
func (m *MockEmailService) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MockEmailService) record(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, entry)
}

func (m *MockEmailService) SendReportReadyEmail(toEmail, name, reportTitle, downloadLink string, expiresAt time.Time) error {
	m.record("ready:" + toEmail)
	logger.L.Info("MockEmailService: Would send report ready email.", "to", toEmail, "report", reportTitle, "downloadLink", downloadLink, "expiresAt", expiresAt)
	return nil
}

func (m *MockEmailService) SendReportFailedEmail(toEmail, name, reportTitle, reason string) error {
	m.record("failed:" + toEmail)
	logger.L.Info("MockEmailService: Would send report failed email.", "to", toEmail, "report", reportTitle, "reason", reason)
	return nil
}

// Notifier is told about terminal transitions. It never fails the run.
type Notifier interface {
	ReportReady(ctx context.Context, req *models.ReportRequest)
	ReportFailed(ctx context.Context, req *models.ReportRequest)
}

type noopNotifier struct{}

func (noopNotifier) ReportReady(context.Context, *models.ReportRequest)  {}
func (noopNotifier) ReportFailed(context.Context, *models.ReportRequest) {}

// EmailNotifier mails the taxpayer a signed download link or the failure
// reason, when the request carries an email address.
type EmailNotifier struct {
	Email   EmailService
	Tokens  *security.DownloadTokenService
	BaseURL string
}

func (n *EmailNotifier) ReportReady(ctx context.Context, req *models.ReportRequest) {
	if req.Taxpayer.Email == "" || req.GeneratedReport == "" {
		return
	}
	format := ""
	for f, ref := range req.Artifacts {
		if ref.Key == req.GeneratedReport {
			format = f
		}
	}
	token, expires, err := n.Tokens.Issue(req.ID, format, req.GeneratedReport)
	if err != nil {
		logger.FromContext(ctx).Error("Could not sign download link", "error", err)
		return
	}
	link := DownloadURL(n.BaseURL, token)
	if err := n.Email.SendReportReadyEmail(req.Taxpayer.Email, req.Taxpayer.Name, reportTitle(req), link, expires); err != nil {
		logger.FromContext(ctx).Warn("Report ready notification failed", "error", err)
	}
}

func (n *EmailNotifier) ReportFailed(ctx context.Context, req *models.ReportRequest) {
	if req.Taxpayer.Email == "" {
		return
	}
	if err := n.Email.SendReportFailedEmail(req.Taxpayer.Email, req.Taxpayer.Name, reportTitle(req), req.ErrorMessage); err != nil {
		logger.FromContext(ctx).Warn("Report failed notification failed", "error", err)
	}
}

// DownloadURL is the public link that serves the artifact a token names.
func DownloadURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/api/artifacts/download?token=" + url.QueryEscape(token)
}

func reportTitle(req *models.ReportRequest) string {
	return fmt.Sprintf("%s %d", req.ReportType, req.FiscalYear)
}
