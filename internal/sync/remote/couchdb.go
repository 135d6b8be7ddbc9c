package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
)

// CouchConfig locates the clinic database.
type CouchConfig struct {
	URL      string
	User     string
	Password string
	Database string
	// EnsureDB creates the database when it does not exist.
	EnsureDB bool
}

// CouchDB stores one document per entity, keyed "patient:<id>" or
// "appointment:<id>". The app-level version is kept next to CouchDB's own
// revision, which is only used for optimistic writes.
type CouchDB struct {
	client *kivik.Client
	dbName string
}

type couchDoc struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`
	Document
}

// NewCouchDB connects to CouchDB.
func NewCouchDB(ctx context.Context, cfg CouchConfig) (*CouchDB, error) {
	if cfg.URL == "" || cfg.Database == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "couchdb url and database are required")
	}

	dsn, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse couchdb url", err)
	}
	if cfg.User != "" {
		dsn.User = url.UserPassword(cfg.User, cfg.Password)
	}

	client, err := kivik.New("couch", dsn.String())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "connect to couchdb", err)
	}

	c := &CouchDB{client: client, dbName: cfg.Database}
	if cfg.EnsureDB {
		if err := c.ensureDB(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *CouchDB) ensureDB(ctx context.Context) error {
	exists, err := c.client.DBExists(ctx, c.dbName)
	if err != nil {
		return classify("check database", err)
	}
	if exists {
		return nil
	}
	if err := c.client.CreateDB(ctx, c.dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
		return classify("create database", err)
	}
	logging.Info("remote: created couchdb database", map[string]interface{}{"db": c.dbName})
	return nil
}

// Close releases the client.
func (c *CouchDB) Close() error {
	return c.client.Close()
}

func (c *CouchDB) get(ctx context.Context, t models.EntityType, id string) (*couchDoc, error) {
	docID := models.EntityKey(t, id)
	var doc couchDoc
	if err := c.client.DB(c.dbName).Get(ctx, docID).ScanDoc(&doc); err != nil {
		return nil, classify("fetch "+docID, err)
	}
	return &doc, nil
}

// Fetch implements Remote.
func (c *CouchDB) Fetch(ctx context.Context, t models.EntityType, id string) (*Document, error) {
	doc, err := c.get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	return &doc.Document, nil
}

// Create implements Remote. A document already created by the same action
// is returned as is.
func (c *CouchDB) Create(ctx context.Context, t models.EntityType, id string, body interface{}, actionID string) (*Document, error) {
	payload, err := mergePatch(nil, body)
	if err != nil {
		return nil, err
	}
	docID := models.EntityKey(t, id)
	doc := couchDoc{
		ID: docID,
		Document: Document{
			EntityType:   t,
			ID:           id,
			Version:      1,
			Payload:      payload,
			LastActionID: actionID,
		},
	}

	if _, err := c.client.DB(c.dbName).Put(ctx, docID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			existing, ferr := c.get(ctx, t, id)
			if ferr == nil && existing.LastActionID == actionID {
				return &existing.Document, nil
			}
			return nil, apperrors.Wrap(apperrors.ErrVersionConflict, docID+" already exists", err)
		}
		return nil, classify("create "+docID, err)
	}
	return &doc.Document, nil
}

// Update implements Remote.
func (c *CouchDB) Update(ctx context.Context, t models.EntityType, id string, patch interface{}, expectedVersion int64, actionID string) (*Document, error) {
	doc, err := c.get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if doc.Version != expectedVersion {
		return nil, apperrors.Newf(apperrors.ErrVersionConflict,
			"%s is at version %d, expected %d", doc.ID, doc.Version, expectedVersion)
	}

	merged, err := mergePatch(doc.Payload, patch)
	if err != nil {
		return nil, err
	}
	doc.Payload = merged
	doc.Version++
	doc.LastActionID = actionID

	if _, err := c.client.DB(c.dbName).Put(ctx, doc.ID, doc); err != nil {
		return nil, classify("update "+doc.ID, err)
	}
	return &doc.Document, nil
}

// Ping implements Remote.
func (c *CouchDB) Ping(ctx context.Context) error {
	up, err := c.client.Ping(ctx)
	if err != nil {
		return classify("ping", err)
	}
	if !up {
		return apperrors.New(apperrors.ErrTransientNetwork, "couchdb is not up")
	}
	return nil
}

// classify maps a CouchDB failure into the sync error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, op, err)
	}

	status := kivik.HTTPStatus(err)
	switch {
	case status == http.StatusNotFound:
		return apperrors.Wrap(apperrors.ErrNotFound, op, err)
	case status == http.StatusConflict:
		return apperrors.Wrap(apperrors.ErrVersionConflict, op, err)
	case status == http.StatusUnauthorized,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == 0,
		status >= 500:
		return apperrors.Wrap(apperrors.ErrTransientNetwork, op, err)
	case status >= 400:
		return apperrors.Wrap(apperrors.ErrValidationRejected, fmt.Sprintf("%s: rejected with status %d", op, status), err)
	default:
		return apperrors.Wrap(apperrors.ErrTransientNetwork, op, err)
	}
}
