package ipam

import (
	"context"
	"slices"
	"time"

	"ipamd/internal/logs"
	"ipamd/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service owns every write to the address hierarchy. Each write runs in one
// transaction that holds the namespace lock, so readers see the state either
// before or after a complete re-parenting pass.
type Service struct {
	db     *gorm.DB
	locks  *namespaceLocks
	log    *logrus.Entry
	onWarn func(ConsistencyWarning)
}

type Option func(*Service)

func WithLogger(l *logrus.Entry) Option {
	return func(s *Service) { s.log = l }
}

// WithWarningHook delivers consistency warnings to operators, in addition to
// the log line and metric.
func WithWarningHook(fn func(ConsistencyWarning)) Option {
	return func(s *Service) { s.onWarn = fn }
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:    db,
		locks: newNamespaceLocks(),
		log:   logs.Component("ipam"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the handle for read paths of sibling packages.
func (s *Service) DB() *gorm.DB { return s.db }

// write runs fn in a transaction holding the write locks of the given
// namespaces: in process, and as row locks on the namespace rows. Both are
// taken in ascending id order.
func (s *Service) write(ctx context.Context, op string, fn func(tx *gorm.DB) error, namespaceIDs ...uint) error {
	start := time.Now()
	ids := slices.Clone(namespaceIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	unlock := s.locks.lock(ids...)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if err := lockNamespace(tx, id); err != nil {
				return err
			}
		}
		return fn(tx)
	})
	observeWrite(op, start, err)
	if err != nil {
		s.log.WithFields(logrus.Fields{"op": op, "namespaces": ids}).WithError(err).Debug("write rejected")
	}
	return err
}

// lockNamespace takes a row lock on the namespace. sqlite has no row locks
// and serializes writers on its own.
func lockNamespace(tx *gorm.DB, id uint) error {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ns models.Namespace
	if err := q.First(&ns, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("namespace", id)
		}
		return errors.Wrapf(err, "lock namespace %d", id)
	}
	return nil
}

func (s *Service) warn(w ConsistencyWarning) {
	consistencyWarningsTotal.Inc()
	s.log.WithFields(logrus.Fields{
		"namespace":  w.NamespaceID,
		"subject":    w.Subject,
		"chosen":     w.Chosen,
		"candidates": w.Candidates,
	}).Warn("ambiguous parent candidates, manual review needed")
	if s.onWarn != nil {
		s.onWarn(w)
	}
}

// first loads one live record by id into dst.
func first(tx *gorm.DB, dst any, kind string, id uint) error {
	if err := tx.First(dst, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(kind, id)
		}
		return errors.Wrapf(err, "load %s %d", kind, id)
	}
	return nil
}

// nullable turns an optional id into a value gorm writes as NULL.
func nullable(id *uint) any {
	if id == nil {
		return nil
	}
	return *id
}

func ptr(id uint) *uint { return &id }
