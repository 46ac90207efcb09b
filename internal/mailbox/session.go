// Package mailbox is the transport layer: a persistent IMAP session for
// searching and fetching support mail, an SMTP sender for outbound
// replies, and reply composition.
package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	_ "github.com/emersion/go-message/charset"

	"github.com/nhle/support-agent/internal/model"
)

// Session is a single IMAP session, reused across poll cycles. Every
// operation revalidates the connection with NOOP and re-dials when the
// session has gone stale.
type Session struct {
	cfg model.MailboxConfig
	log zerolog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewSession creates an IMAP session configuration. No connection is made
// until the first operation.
func NewSession(cfg model.MailboxConfig, log zerolog.Logger) *Session {
	return &Session{
		cfg: cfg,
		log: log.With().Str("component", "imap").Logger(),
	}
}

// ensure returns a live, authenticated client with INBOX selected,
// re-dialing if the held session fails its NOOP probe. The caller must
// hold s.mu.
func (s *Session) ensure(_ context.Context) (*imapclient.Client, error) {
	if s.client != nil {
		if err := s.client.Noop().Wait(); err == nil {
			return s.client, nil
		}
		s.log.Debug().Msg("held IMAP session is stale, reconnecting")
		_ = s.client.Logout().Wait()
		s.client = nil
	}

	addr := s.cfg.IMAPHost + ":" + s.cfg.IMAPPort

	var client *imapclient.Client
	var err error

	if s.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, wrapErr("connecting to IMAP "+addr, err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, wrapErr("IMAP login", err)
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, wrapErr("selecting INBOX", err)
	}

	s.log.Debug().Str("addr", addr).Msg("IMAP session established")
	s.client = client
	return client, nil
}

// Probe verifies that the session can be established or is still alive.
func (s *Session) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.ensure(ctx)
	return err
}

// Close logs out and drops the held session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Logout().Wait()
	s.client = nil
	return err
}

// FindUnseen returns the UIDs of unread messages addressed to the
// support address.
func (s *Session) FindUnseen(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "To", Value: s.cfg.SupportAddress},
		},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, wrapErr("searching unseen messages", err)
	}

	uids := searchData.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// Fetch retrieves and parses a single message by UID. A UID the server
// no longer knows yields (nil, nil), not an error. The body is fetched
// with BODY.PEEK so the message stays unread.
func (s *Session) Fetch(ctx context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	client, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, nil
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, wrapErr("collecting message "+id, err)
	}

	parsed := parseMessage(id, buf, buf.FindBodySection(bodySection))

	if err := fetchCmd.Close(); err != nil {
		return parsed, wrapErr("closing fetch", err)
	}
	return parsed, nil
}

// SearchThreadGroup returns the UIDs of messages belonging to the
// conversation keyed by groupID (a Message-ID): the message itself plus
// everything whose References mention it.
func (s *Session) SearchThreadGroup(ctx context.Context, groupID string) ([]string, error) {
	if groupID == "" {
		return nil, nil
	}

	bracketed := "<" + groupID + ">"
	criteria := &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{{
			{Header: []imap.SearchCriteriaHeaderField{
				{Key: "Message-ID", Value: bracketed},
			}},
			{Header: []imap.SearchCriteriaHeaderField{
				{Key: "References", Value: bracketed},
			}},
		}},
	}

	return s.uidSearch(ctx, criteria, "searching thread group")
}

// SearchMessageID returns the UIDs of messages whose Message-ID header
// equals ref.
func (s *Session) SearchMessageID(ctx context.Context, ref string) ([]string, error) {
	if ref == "" {
		return nil, nil
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-ID", Value: "<" + ref + ">"},
		},
	}

	return s.uidSearch(ctx, criteria, "searching by message id")
}

func (s *Session) uidSearch(ctx context.Context, criteria *imap.SearchCriteria, op string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, wrapErr(op, err)
	}

	uids := searchData.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// MarkSeen sets the \Seen flag on a message.
func (s *Session) MarkSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	client, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	storeCmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	return wrapErr("marking message seen", storeCmd.Close())
}

// AppendDraft appends a rendered message to the drafts folder with the
// \Draft flag, trying the configured folder first and then the common
// provider names.
func (s *Session) AppendDraft(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, folder := range s.draftFolders() {
		if err := appendTo(client, folder, raw); err != nil {
			lastErr = err
			continue
		}
		s.log.Debug().Str("folder", folder).Msg("draft saved")
		return nil
	}

	return wrapErr("appending draft", lastErr)
}

// draftFolders returns the candidate folder names, configured one first,
// without duplicates. INBOX is the last resort.
func (s *Session) draftFolders() []string {
	candidates := []string{
		s.cfg.DraftsFolder,
		"[Gmail]/Drafts",
		"Drafts",
		"[Google Mail]/Drafts",
		"INBOX",
	}

	seen := make(map[string]bool, len(candidates))
	folders := candidates[:0]
	for _, f := range candidates {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		folders = append(folders, f)
	}
	return folders
}

func appendTo(client *imapclient.Client, folder string, raw []byte) error {
	appendCmd := client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagDraft},
		Time:  time.Now(),
	})

	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return fmt.Errorf("writing draft to %s: %w", folder, err)
	}
	if err := appendCmd.Close(); err != nil {
		return fmt.Errorf("closing draft append to %s: %w", folder, err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	return nil
}

// parseUID converts a string message ID to a uint32 UID.
func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message UID %q: %w", id, err)
	}
	return uint32(uid), nil
}
