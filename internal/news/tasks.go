package news

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mssola/useragent"

	"github.com/austindbirch/basketsync/internal/contact"
	"github.com/austindbirch/basketsync/internal/jobs"
	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/msgcache"
	"github.com/austindbirch/basketsync/internal/sfmc"
)

// Job names
const (
	JobUpsertUser               = "news.upsert_user"
	JobConfirmUser              = "news.confirm_user"
	JobSendMessage              = "news.send_message"
	JobSendRecoveryMessage      = "news.send_recovery_message"
	JobUpdateCustomUnsub        = "news.update_custom_unsub"
	JobUpdateFxaInfo            = "news.update_fxa_info"
	JobAddFxaActivity           = "news.add_fxa_activity"
	JobUpdateStudentAmbassadors = "news.update_student_ambassadors"
	JobAddSMSUser               = "news.add_sms_user"
	JobAddSMSUserOptin          = "news.add_sms_user_optin"
)

// Typed handles for submitting jobs
var (
	UpsertUser               = jobs.Task[UpsertUserArgs]{Name: JobUpsertUser}
	ConfirmUser              = jobs.Task[ConfirmUserArgs]{Name: JobConfirmUser}
	SendMessage              = jobs.Task[SendMessageArgs]{Name: JobSendMessage}
	SendRecoveryMessage      = jobs.Task[SendRecoveryMessageArgs]{Name: JobSendRecoveryMessage}
	UpdateCustomUnsub        = jobs.Task[UpdateCustomUnsubArgs]{Name: JobUpdateCustomUnsub}
	UpdateFxaInfo            = jobs.Task[UpdateFxaInfoArgs]{Name: JobUpdateFxaInfo}
	AddFxaActivity           = jobs.Task[AddFxaActivityArgs]{Name: JobAddFxaActivity}
	UpdateStudentAmbassadors = jobs.Task[UpdateStudentAmbassadorsArgs]{Name: JobUpdateStudentAmbassadors}
	AddSMSUser               = jobs.Task[AddSMSUserArgs]{Name: JobAddSMSUser}
	AddSMSUserOptin          = jobs.Task[AddSMSUserOptinArgs]{Name: JobAddSMSUserOptin}
)

type UpsertUserArgs struct {
	Action ActionType `json:"action"`
	Data   Request    `json:"data"`
}

type ConfirmUserArgs struct {
	Token string `json:"token"`
}

type SendMessageArgs struct {
	MessageID string `json:"message_id"`
	Email     string `json:"email"`
	Token     string `json:"token"`
	Format    string `json:"format"`
}

type SendRecoveryMessageArgs struct {
	Email string `json:"email"`
}

type UpdateCustomUnsubArgs struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type UpdateFxaInfoArgs struct {
	Email     string `json:"email"`
	Lang      string `json:"lang"`
	FxaID     string `json:"fxa_id"`
	SourceURL string `json:"source_url,omitempty"`
}

type AddFxaActivityArgs struct {
	FxaID       string `json:"fxa_id"`
	UserAgent   string `json:"user_agent"`
	FirstDevice bool   `json:"first_device"`
}

type UpdateStudentAmbassadorsArgs struct {
	Token string            `json:"token"`
	Data  map[string]string `json:"data"`
}

type AddSMSUserArgs struct {
	SendName     string `json:"send_name"`
	MobileNumber string `json:"mobile_number"`
	Optin        bool   `json:"optin"`
}

type AddSMSUserOptinArgs struct {
	MobileNumber string `json:"mobile_number"`
}

// MessageBackend is the message backend: data extension rows and sends
type MessageBackend interface {
	GetRow(ctx context.Context, de string, fields []string, token, email string) (map[string]string, error)
	AddRow(ctx context.Context, de string, values map[string]any) error
	UpdateRow(ctx context.Context, de string, values map[string]any) error
	UpsertRow(ctx context.Context, de string, values map[string]any) error
	DeleteRow(ctx context.Context, de, token, email string) error
	SendMail(ctx context.Context, messageID, email, token, format string) error
	SendSMS(ctx context.Context, numbers []string, messageID string) error
}

const (
	deviceLoginsDE      = "Sync_Device_Logins"
	mobileSubscribersDE = "Mobile_Subscribers"
	defaultFxaSourceURL = "https://accounts.firefox.com"
	unsubReasonField    = "Unsubscribe_Reason__c"
)

// studentAmbassadorFields maps submitted form fields to contact store fields
var studentAmbassadorFields = map[string]string{
	"EMAIL_ADDRESS":           "Email",
	"TOKEN":                   "Token__c",
	"FIRST_NAME":              "FirstName",
	"LAST_NAME":               "LastName",
	"COUNTRY_":                "MailingCountryCode",
	"STUDENTS_SCHOOL":         "FSA_School__c",
	"STUDENTS_GRAD_YEAR":      "FSA_Grad_Year__c",
	"STUDENTS_MAJOR":          "FSA_Major__c",
	"STUDENTS_CITY":           "FSA_City__c",
	"STUDENTS_CURRENT_STATUS": "FSA_Current_Status__c",
	"STUDENTS_ALLOW_SHARE":    "FSA_Allow_Info_Shared__c",
}

// Config holds job settings
type Config struct {
	ContactsDE        string            // data extension with one row per contact
	RecoveryLanguages []string          // languages the recovery message is translated to
	SMSMessages       map[string]string // send name -> SMS message id
}

// Deps are the collaborators of the job handlers
type Deps struct {
	Store     ContactStore
	Backend   MessageBackend
	Catalog   Catalog
	Cache     msgcache.Cache
	Submitter jobs.Submitter
	Config    Config
	Logger    *logging.Logger
}

// Tasks implements the news jobs
type Tasks struct {
	store      ContactStore
	backend    MessageBackend
	cache      msgcache.Cache
	submitter  jobs.Submitter
	reconciler *Reconciler
	messages   *Messages
	cfg        Config
	logger     *logging.Logger
	now        func() time.Time
	newToken   func() string
}

func NewTasks(d Deps) *Tasks {
	logger := d.Logger
	if logger == nil {
		logger = logging.New("basket-worker")
	}
	return &Tasks{
		store:      d.Store,
		backend:    d.Backend,
		cache:      d.Cache,
		submitter:  d.Submitter,
		reconciler: NewReconciler(d.Store, d.Catalog),
		messages:   NewMessages(d.Catalog, d.Submitter),
		cfg:        d.Config,
		logger:     logger,
		now:        time.Now,
		newToken:   GenerateToken,
	}
}

// Register adds every news job to r
func (t *Tasks) Register(r *jobs.Registry) {
	jobs.Register(r, JobUpsertUser, t.upsertUser)
	jobs.Register(r, JobConfirmUser, t.confirmUser)
	jobs.Register(r, JobSendMessage, t.sendMessage)
	jobs.Register(r, JobSendRecoveryMessage, t.sendRecoveryMessage)
	jobs.Register(r, JobUpdateCustomUnsub, t.updateCustomUnsub)
	jobs.Register(r, JobUpdateFxaInfo, t.updateFxaInfo)
	jobs.Register(r, JobAddFxaActivity, t.addFxaActivity)
	jobs.Register(r, JobUpdateStudentAmbassadors, t.updateStudentAmbassadors)
	jobs.Register(r, JobAddSMSUser, t.addSMSUser)
	jobs.Register(r, JobAddSMSUserOptin, t.addSMSUserOptin)
}

// lookup returns nil for an unknown contact
func (t *Tasks) lookup(ctx context.Context, token, email string) (*contact.Contact, error) {
	if token == "" && email == "" {
		return nil, jobs.Fatal(contact.ErrMissingIdentifier)
	}
	c, err := t.store.Get(ctx, token, email)
	if errors.Is(err, contact.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// gmtTime is the timestamp format of the message backend's date columns
func (t *Tasks) gmtTime() string {
	return t.now().UTC().Format(http.TimeFormat)
}

func (t *Tasks) upsertUser(ctx context.Context, a UpsertUserArgs) error {
	if a.Action == 0 {
		return jobs.Fatalf("upsert_user: missing action")
	}
	req := a.Data
	current, err := t.lookup(ctx, req.Token, req.Email)
	if err != nil {
		return err
	}
	res, err := t.reconciler.Reconcile(ctx, a.Action, req, current)
	if err != nil {
		return err
	}
	if a.Action != Subscribe {
		return nil
	}

	var added []string
	for _, slug := range res.Delta.Subscribed() {
		if !current.Subscribed(slug) {
			added = append(added, slug)
		}
	}
	if len(added) == 0 {
		return nil
	}

	c := &contact.Contact{Email: req.Email, Token: res.Token, Lang: req.Lang, Format: req.Format}
	if current != nil {
		if c.Email == "" {
			c.Email = current.Email
		}
		if c.Lang == "" {
			c.Lang = current.Lang
		}
		if c.Format == "" {
			c.Format = current.Format
		}
	}
	c.Format = contact.NormalizeFormat(c.Format)
	if c.Email == "" {
		t.logger.WithContext(ctx).WithToken(res.Token).Warn("subscribed contact has no email, no messages sent")
		return nil
	}

	if !res.Optin {
		return t.messages.SendConfirmNotice(ctx, c.Email, c.Token, c.Lang, c.Format, added)
	}
	if req.TriggerWelcome != "" && req.TriggerWelcome != "Y" {
		return nil
	}
	return t.messages.SendWelcomes(ctx, c, added, c.Format)
}

func (t *Tasks) confirmUser(ctx context.Context, a ConfirmUserArgs) error {
	if a.Token == "" {
		return jobs.Fatal(contact.ErrMissingIdentifier)
	}
	c, err := t.lookup(ctx, a.Token, "")
	if err != nil {
		return err
	}
	if c == nil {
		return jobs.Fatalf("user not found")
	}
	if c.Optin {
		return nil
	}
	if c.Email == "" {
		return jobs.Fatalf("token has no email")
	}

	var u contact.Update
	u.SetOptin(true)
	if err := t.store.Update(ctx, c.Ref(), u); err != nil {
		return writeError(err)
	}
	return t.messages.SendWelcomes(ctx, c, c.Newsletters, contact.NormalizeFormat(c.Format))
}

func (t *Tasks) sendMessage(ctx context.Context, a SendMessageArgs) error {
	if a.MessageID == "" {
		return jobs.Fatalf("send_message: missing message id")
	}
	log := t.logger.WithContext(ctx).WithToken(a.Token).WithField("message_id", a.MessageID)

	bad, err := t.cache.IsInvalid(ctx, a.MessageID)
	if err != nil {
		log.WithError(err).Warn("bad message id cache unavailable")
	}
	if bad {
		log.Debug("skipping send to known bad message id")
		return nil
	}

	err = t.backend.SendMail(ctx, a.MessageID, a.Email, a.Token, a.Format)
	if err == nil {
		return nil
	}
	if sfmc.IsInvalidCustomerKey(err) {
		if cerr := t.cache.MarkInvalid(ctx, a.MessageID); cerr != nil {
			log.WithError(cerr).Warn("failed to remember bad message id")
		}
		return jobs.Fatal(fmt.Errorf("message %s: %w", a.MessageID, err))
	}
	return err
}

func (t *Tasks) sendRecoveryMessage(ctx context.Context, a SendRecoveryMessageArgs) error {
	if a.Email == "" {
		return jobs.Fatal(contact.ErrMissingIdentifier)
	}
	c, err := t.lookup(ctx, "", a.Email)
	if err != nil {
		return err
	}
	if c == nil {
		t.logger.WithContext(ctx).Debug("recovery requested for unknown email")
		return nil
	}

	lang := c.Lang
	if lang == "" || !contains(t.cfg.RecoveryLanguages, lang) {
		lang = defaultLang
	}
	format := c.Format
	if format == "" {
		format = contact.FormatHTML
	}

	err = t.backend.UpsertRow(ctx, t.cfg.ContactsDE, map[string]any{
		sfmc.ColumnToken:  c.Token,
		sfmc.ColumnEmail:  c.Email,
		sfmc.ColumnFormat: format,
	})
	if err != nil {
		return err
	}
	return SendMessage.Submit(ctx, t.submitter, SendMessageArgs{
		MessageID: MogrifyMessageID(RecoveryMessage, lang, format),
		Email:     a.Email,
		Token:     c.Token,
		Format:    format,
	})
}

func (t *Tasks) updateCustomUnsub(ctx context.Context, a UpdateCustomUnsubArgs) error {
	if a.Token == "" {
		return jobs.Fatal(contact.ErrMissingIdentifier)
	}
	u := contact.Update{Fields: map[string]any{unsubReasonField: a.Reason}}
	return writeError(t.store.Update(ctx, contact.Ref{Token: a.Token}, u))
}

func (t *Tasks) updateFxaInfo(ctx context.Context, a UpdateFxaInfoArgs) error {
	if a.Email == "" {
		return jobs.Fatal(contact.ErrMissingIdentifier)
	}
	fields := []string{sfmc.ColumnEmail, sfmc.ColumnFormat, "COUNTRY_", "LANGUAGE_ISO2", sfmc.ColumnToken}
	row, err := t.backend.GetRow(ctx, t.cfg.ContactsDE, fields, "", a.Email)
	if err != nil && !errors.Is(err, sfmc.ErrNoResults) {
		return err
	}

	record := map[string]any{
		sfmc.ColumnEmail:    a.Email,
		"FXA_ID":            a.FxaID,
		"MODIFIED_DATE_":    t.gmtTime(),
		"FXA_LANGUAGE_ISO2": a.Lang,
	}
	token := row[sfmc.ColumnToken]
	if token == "" {
		token = t.newToken()
	}
	if row == nil {
		// the source url is only recorded for a first contact
		source := a.SourceURL
		if source == "" {
			source = defaultFxaSourceURL
		}
		record["SOURCE_URL"] = source
	}
	record[sfmc.ColumnToken] = token
	return t.backend.UpsertRow(ctx, t.cfg.ContactsDE, record)
}

func (t *Tasks) addFxaActivity(ctx context.Context, a AddFxaActivityArgs) error {
	if a.FxaID == "" {
		return jobs.Fatalf("add_fxa_activity: missing fxa_id")
	}
	ua := useragent.New(a.UserAgent)
	osInfo := ua.OSInfo()
	browser, version := ua.Browser()
	device := ua.Platform()
	if device == "" {
		device = "Other"
	}
	first := "n"
	if a.FirstDevice {
		first = "y"
	}

	record := map[string]any{
		"FXA_ID":       a.FxaID,
		"LOGIN_DATE":   t.gmtTime(),
		"FIRST_DEVICE": first,
		"OS":           osInfo.Name,
		"OS_VERSION":   osInfo.Version,
		"BROWSER":      strings.TrimSpace(browser + " " + version),
		"DEVICE_NAME":  device,
		"DEVICE_TYPE":  deviceType(ua),
	}
	return t.backend.UpsertRow(ctx, deviceLoginsDE, record)
}

// deviceType is "T" for tablets, "M" for phones and "D" for everything else
func deviceType(ua *useragent.UserAgent) string {
	if ua.Platform() == "iPad" || (ua.OSInfo().Name == "Android" && !ua.Mobile()) {
		return "T"
	}
	if ua.Mobile() {
		return "M"
	}
	return "D"
}

func (t *Tasks) updateStudentAmbassadors(ctx context.Context, a UpdateStudentAmbassadorsArgs) error {
	if a.Token == "" {
		return jobs.Fatal(contact.ErrMissingIdentifier)
	}
	data := make(map[string]string, len(a.Data)+1)
	for k, v := range a.Data {
		data[k] = v
	}
	data["TOKEN"] = a.Token

	fields := make(map[string]any, len(data))
	for key, field := range studentAmbassadorFields {
		v, ok := data[key]
		if !ok {
			continue
		}
		if key == "STUDENTS_ALLOW_SHARE" {
			fields[field] = strings.HasPrefix(strings.ToLower(v), "y")
			continue
		}
		fields[field] = v
	}
	return writeError(t.store.Update(ctx, contact.Ref{Token: a.Token}, contact.Update{Fields: fields}))
}

func (t *Tasks) addSMSUser(ctx context.Context, a AddSMSUserArgs) error {
	messageID, ok := t.cfg.SMSMessages[a.SendName]
	if !ok {
		t.logger.WithContext(ctx).WithField("send_name", a.SendName).Debug("unknown sms send name")
		return nil
	}
	if err := t.backend.SendSMS(ctx, []string{a.MobileNumber}, messageID); err != nil {
		return err
	}
	if !a.Optin {
		return nil
	}
	return AddSMSUserOptin.Submit(ctx, t.submitter, AddSMSUserOptinArgs{MobileNumber: a.MobileNumber})
}

func (t *Tasks) addSMSUserOptin(ctx context.Context, a AddSMSUserOptinArgs) error {
	if a.MobileNumber == "" {
		return jobs.Fatalf("add_sms_user_optin: missing mobile number")
	}
	return t.backend.AddRow(ctx, mobileSubscribersDE, map[string]any{
		"Phone":         a.MobileNumber,
		"SubscriberKey": a.MobileNumber,
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
