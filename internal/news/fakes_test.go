package news

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/basketsync/internal/contact"
	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/msgcache"
	"github.com/austindbirch/basketsync/internal/sfmc"
)

type storeCall struct {
	op     string
	ref    contact.Ref
	update contact.Update
}

type fakeStore struct {
	contacts map[string]*contact.Contact // keyed by token and by email
	getErr   error
	writeErr error
	calls    []storeCall
}

func newFakeStore(cs ...*contact.Contact) *fakeStore {
	s := &fakeStore{contacts: make(map[string]*contact.Contact)}
	for _, c := range cs {
		if c.Token != "" {
			s.contacts[c.Token] = c
		}
		if c.Email != "" {
			s.contacts[c.Email] = c
		}
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, token, email string) (*contact.Contact, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	key := token
	if key == "" {
		key = email
	}
	if c, ok := s.contacts[key]; ok {
		return c, nil
	}
	return nil, contact.ErrNotFound
}

func (s *fakeStore) Create(_ context.Context, u contact.Update) error {
	s.calls = append(s.calls, storeCall{op: "create", update: u})
	return s.writeErr
}

func (s *fakeStore) Update(_ context.Context, ref contact.Ref, u contact.Update) error {
	s.calls = append(s.calls, storeCall{op: "update", ref: ref, update: u})
	if err := ref.Validate(); err != nil {
		return err
	}
	return s.writeErr
}

func (s *fakeStore) Delete(_ context.Context, ref contact.Ref) error {
	s.calls = append(s.calls, storeCall{op: "delete", ref: ref})
	return s.writeErr
}

type fakeCatalog struct {
	newsletters map[string]Newsletter
	groups      map[string][]string
	err         error
}

func (c *fakeCatalog) Newsletters(_ context.Context, slugs []string) ([]Newsletter, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []Newsletter
	for _, s := range slugs {
		if n, ok := c.newsletters[s]; ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (c *fakeCatalog) GroupMembers(_ context.Context, slugs []string) (map[string][]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string][]string)
	for _, s := range slugs {
		if m, ok := c.groups[s]; ok {
			out[s] = m
		}
	}
	return out, nil
}

func (c *fakeCatalog) Languages(context.Context) ([]string, error) {
	if c.err != nil {
		return nil, c.err
	}
	seen := make(map[string]bool)
	var out []string
	for _, n := range c.newsletters {
		for _, l := range n.Languages {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// testCatalog has one newsletter without double opt-in (firefox-tips)
func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		newsletters: map[string]Newsletter{
			"mozilla-and-you": {Slug: "mozilla-and-you", Languages: []string{"en", "de", "fr"}, RequiresDoubleOptin: true, Welcome: "welcome_mozilla"},
			"firefox-tips":    {Slug: "firefox-tips", Languages: []string{"en", "de"}, RequiresDoubleOptin: false, Welcome: "welcome_tips"},
			"mozilla-labs":    {Slug: "mozilla-labs", Languages: []string{"en"}, RequiresDoubleOptin: true, Welcome: "welcome_mozilla", ConfirmMessage: "labs_confirm"},
			"app-dev":         {Slug: "app-dev", Languages: []string{"en", "pt-BR"}, RequiresDoubleOptin: true},
		},
		groups: map[string][]string{
			"everything": {"mozilla-and-you", "mozilla-labs"},
		},
	}
}

type submitted struct {
	name string
	args json.RawMessage
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []submitted
	err  error
}

func (s *recordingSubmitter) Submit(_ context.Context, name string, args any) error {
	if s.err != nil {
		return s.err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, submitted{name: name, args: raw})
	return nil
}

// messages decodes every queued send_message job
func (s *recordingSubmitter) messages(t *testing.T) []SendMessageArgs {
	t.Helper()
	var out []SendMessageArgs
	for _, j := range s.jobs {
		if j.name != JobSendMessage {
			continue
		}
		var a SendMessageArgs
		if err := json.Unmarshal(j.args, &a); err != nil {
			t.Fatal(err)
		}
		out = append(out, a)
	}
	return out
}

func (s *recordingSubmitter) messageIDs(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, m := range s.messages(t) {
		ids = append(ids, m.MessageID)
	}
	sort.Strings(ids)
	return ids
}

type rowCall struct {
	op     string
	de     string
	values map[string]any
}

type fakeBackend struct {
	rows    map[string]map[string]string // keyed by email
	getErr  error
	sendErr error
	smsErr  error

	calls []rowCall
	sends []SendMessageArgs
	sms   [][]string
}

func (b *fakeBackend) GetRow(_ context.Context, de string, fields []string, token, email string) (map[string]string, error) {
	b.calls = append(b.calls, rowCall{op: "get", de: de})
	if b.getErr != nil {
		return nil, b.getErr
	}
	row, ok := b.rows[email]
	if !ok {
		return nil, sfmc.ErrNoResults
	}
	return row, nil
}

func (b *fakeBackend) AddRow(_ context.Context, de string, values map[string]any) error {
	b.calls = append(b.calls, rowCall{op: "add", de: de, values: values})
	return nil
}

func (b *fakeBackend) UpdateRow(_ context.Context, de string, values map[string]any) error {
	b.calls = append(b.calls, rowCall{op: "update", de: de, values: values})
	return nil
}

func (b *fakeBackend) UpsertRow(_ context.Context, de string, values map[string]any) error {
	b.calls = append(b.calls, rowCall{op: "upsert", de: de, values: values})
	return nil
}

func (b *fakeBackend) DeleteRow(_ context.Context, de, _, _ string) error {
	b.calls = append(b.calls, rowCall{op: "delete", de: de})
	return nil
}

func (b *fakeBackend) SendMail(_ context.Context, messageID, email, token, format string) error {
	b.sends = append(b.sends, SendMessageArgs{MessageID: messageID, Email: email, Token: token, Format: format})
	return b.sendErr
}

func (b *fakeBackend) SendSMS(_ context.Context, numbers []string, messageID string) error {
	b.sms = append(b.sms, append([]string{messageID}, numbers...))
	return b.smsErr
}

type taskFixture struct {
	tasks     *Tasks
	store     *fakeStore
	backend   *fakeBackend
	catalog   *fakeCatalog
	cache     *msgcache.Memory
	submitter *recordingSubmitter
	logs      *bytes.Buffer
}

func newTaskFixture(cs ...*contact.Contact) *taskFixture {
	f := &taskFixture{
		store:     newFakeStore(cs...),
		backend:   &fakeBackend{rows: make(map[string]map[string]string)},
		catalog:   testCatalog(),
		cache:     msgcache.NewMemory(12 * time.Hour),
		submitter: &recordingSubmitter{},
		logs:      &bytes.Buffer{},
	}
	f.tasks = NewTasks(Deps{
		Store:     f.store,
		Backend:   f.backend,
		Catalog:   f.catalog,
		Cache:     f.cache,
		Submitter: f.submitter,
		Config: Config{
			ContactsDE:        "Master_Subscribers",
			RecoveryLanguages: []string{"en", "de"},
			SMSMessages:       map[string]string{"SMS_Android": "MTU5MDpiNjY6MA"},
		},
		Logger: logging.NewWithWriter("test", f.logs),
	})
	fixedToken := func() string { return "new-token" }
	f.tasks.newToken = fixedToken
	f.tasks.reconciler.newToken = fixedToken
	f.tasks.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}
