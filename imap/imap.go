package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/andyg2/ImapArc/model"
)

// Error taxonomy. Callers classify failures with errors.Is.
var (
	ErrAuth       = errors.New("imap authentication failed")
	ErrConnection = errors.New("imap connection failed")
	ErrProtocol   = errors.New("imap protocol error")
	ErrFetch      = errors.New("imap fetch failed")
	ErrDelete     = errors.New("imap delete failed")
)

const (
	dialAttempts = 4
	dialBackoff  = time.Second
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Client owns one authenticated IMAP session. Sessions are not safe for
// concurrent use; each folder worker dials its own.
type Client struct {
	opts     Options
	client   *imapclient.Client
	logger   *slog.Logger
	selected string
	cleanup  func()
}

// Envelope is the metadata fetched alongside a message's raw bytes.
type Envelope struct {
	Subject string
	From    string
	Date    time.Time
	Size    int64
}

// Dial connects and authenticates, retrying connection failures with
// bounded exponential backoff. Authentication failures are not retried.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	var lastErr error
	backoff := dialBackoff
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		c, err := dialOnce(ctx, opts, logger)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		lastErr = err
		if attempt == dialAttempts {
			break
		}
		if logger != nil {
			logger.Warn("imap dial failed, retrying", "attempt", attempt, "backoff", backoff, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w: %w", address, ErrConnection, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("login %s: %w: %w", opts.Username, ErrAuth, err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	c := &Client{
		opts:   opts,
		client: client,
		logger: logger,
	}
	c.cleanup = func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && logger != nil {
				logger.Debug("imap logout failed", "err", err)
			}
		}
		_ = client.Close()
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS)
	}
	return c, nil
}

// Close logs out and releases the connection.
func (c *Client) Close() {
	if c.cleanup != nil {
		c.cleanup()
		c.cleanup = nil
	}
	c.client = nil
}

// ListFolders returns the names of all folders on the server, sorted.
func (c *Client) ListFolders() ([]string, error) {
	mailboxes, err := c.client.List("", "*", &imapv2.ListOptions{}).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders: %w: %w", ErrProtocol, err)
	}
	names := make([]string, 0, len(mailboxes))
	for _, mb := range mailboxes {
		names = append(names, mb.Mailbox)
	}
	sort.Strings(names)
	return names, nil
}

// Enumerate selects the folder and returns the UIDs of messages inside the
// target's date window, ascending, truncated to the target's limit. The
// inclusive end date is widened by a day because IMAP BEFORE is exclusive.
func (c *Client) Enumerate(target model.FolderTarget) ([]uint32, error) {
	if err := c.selectFolder(target.Name); err != nil {
		return nil, err
	}

	data, err := c.client.UIDSearch(searchCriteria(target), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w: %w", target.Name, ErrProtocol, err)
	}

	raw := data.AllUIDs()
	uids := make([]uint32, 0, len(raw))
	for _, uid := range raw {
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	if target.Limit > 0 && len(uids) > target.Limit {
		uids = uids[:target.Limit]
	}
	return uids, nil
}

// Fetch retrieves one message's raw bytes and envelope metadata by UID.
// The body section is peeked so fetching never flips the \Seen flag.
func (c *Client) Fetch(folder string, uid uint32) ([]byte, Envelope, error) {
	if err := c.selectFolder(folder); err != nil {
		return nil, Envelope{}, err
	}

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOptions := &imapv2.FetchOptions{
		Envelope:    true,
		RFC822Size:  true,
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}

	uidSet := imapv2.UIDSetNum(imapv2.UID(uid))
	msgs, err := c.client.Fetch(uidSet, fetchOptions).Collect()
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("fetch uid %d in %s: %w: %w", uid, folder, ErrFetch, err)
	}
	if len(msgs) == 0 {
		return nil, Envelope{}, fmt.Errorf("fetch uid %d in %s: %w: message not found", uid, folder, ErrFetch)
	}

	buf := msgs[0]
	raw := buf.FindBodySection(bodySection)
	if len(raw) == 0 {
		return nil, Envelope{}, fmt.Errorf("fetch uid %d in %s: %w: empty body", uid, folder, ErrFetch)
	}

	env := Envelope{Size: buf.RFC822Size}
	if env.Size == 0 {
		env.Size = int64(len(raw))
	}
	if e := buf.Envelope; e != nil {
		env.Subject = e.Subject
		env.Date = e.Date
		if len(e.From) > 0 {
			env.From = e.From[0].Addr()
		}
	}
	return raw, env, nil
}

// MarkDeleted flags the message for removal without expunging. The flag is
// only finalized by Expunge, issued once per folder by the pipeline.
func (c *Client) MarkDeleted(folder string, uid uint32) error {
	if err := c.selectFolder(folder); err != nil {
		return err
	}

	uidSet := imapv2.UIDSetNum(imapv2.UID(uid))
	_, err := c.client.Store(uidSet, &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}, nil).Collect()
	if err != nil {
		return fmt.Errorf("mark uid %d in %s: %w: %w", uid, folder, ErrDelete, err)
	}
	return nil
}

// Expunge permanently removes all messages marked \Deleted in the folder.
func (c *Client) Expunge(folder string) error {
	if err := c.selectFolder(folder); err != nil {
		return err
	}
	if _, err := c.client.Expunge().Collect(); err != nil {
		return fmt.Errorf("expunge %s: %w: %w", folder, ErrDelete, err)
	}
	return nil
}

// searchCriteria maps the target's inclusive date window onto IMAP
// SINCE/BEFORE, widening the end by one day because BEFORE is exclusive.
func searchCriteria(target model.FolderTarget) *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}
	if !target.Since.IsZero() {
		criteria.Since = target.Since
	}
	if !target.Until.IsZero() {
		criteria.Before = target.Until.AddDate(0, 0, 1)
	}
	return criteria
}

func (c *Client) selectFolder(folder string) error {
	if folder == "" {
		folder = "INBOX"
	}
	if c.selected == folder {
		return nil
	}
	if _, err := c.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w: %w", folder, ErrProtocol, err)
	}
	c.selected = folder
	return nil
}
