package ipam

import (
	"context"

	"ipamd/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// DefaultNamespace is created on startup and used when input names none.
const DefaultNamespace = "Global"

// ── namespaces ─────────────────────────────────────────

func (s *Service) CreateNamespace(ctx context.Context, name, description string) (*models.Namespace, error) {
	name, err := trimName("name", name, 100)
	if err != nil {
		return nil, err
	}
	var ns *models.Namespace
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ns, err = createNamespace(tx, name, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("namespace", name).Info("namespace created")
	return ns, nil
}

func createNamespace(tx *gorm.DB, name, description string) (*models.Namespace, error) {
	var n int64
	if err := tx.Model(&models.Namespace{}).Where("name = ?", name).Count(&n).Error; err != nil {
		return nil, errors.Wrap(err, "check namespace name")
	}
	if n > 0 {
		return nil, invalid("name", name, "namespace already exists")
	}
	ns := &models.Namespace{Name: name, Description: description}
	if err := tx.Create(ns).Error; err != nil {
		return nil, errors.Wrap(err, "create namespace")
	}
	return ns, nil
}

// EnsureNamespace returns the namespace called name, creating it if needed.
func (s *Service) EnsureNamespace(ctx context.Context, name string) (*models.Namespace, error) {
	ns, err := s.NamespaceByName(ctx, name)
	if err == nil {
		return ns, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.CreateNamespace(ctx, name, "")
}

func (s *Service) GetNamespace(ctx context.Context, id uint) (*models.Namespace, error) {
	var ns models.Namespace
	if err := first(s.db.WithContext(ctx), &ns, "namespace", id); err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *Service) NamespaceByName(ctx context.Context, name string) (*models.Namespace, error) {
	return namespaceByName(s.db.WithContext(ctx), name)
}

func namespaceByName(tx *gorm.DB, name string) (*models.Namespace, error) {
	var ns models.Namespace
	err := tx.Where("name = ?", name).First(&ns).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("namespace", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load namespace %q", name)
	}
	return &ns, nil
}

func (s *Service) ListNamespaces(ctx context.Context) ([]models.Namespace, error) {
	var out []models.Namespace
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, errors.Wrap(err, "list namespaces")
}

// DeleteNamespace refuses while any aggregate, prefix or address lives in it.
func (s *Service) DeleteNamespace(ctx context.Context, id uint) error {
	return s.write(ctx, "delete_namespace", func(tx *gorm.DB) error {
		deps := map[string]int64{}
		for name, model := range map[string]any{
			"aggregates":   &models.Aggregate{},
			"prefixes":     &models.Prefix{},
			"ip addresses": &models.IPAddress{},
		} {
			var n int64
			if err := tx.Model(model).Where("namespace_id = ?", id).Count(&n).Error; err != nil {
				return errors.Wrapf(err, "count %s", name)
			}
			if n > 0 {
				deps[name] = n
			}
		}
		if len(deps) > 0 {
			return &DependentObjectsError{Object: "namespace", ID: id, Dependents: deps}
		}
		return errors.Wrap(tx.Delete(&models.Namespace{}, id).Error, "delete namespace")
	}, id)
}

// ── RIRs ───────────────────────────────────────────────

func (s *Service) CreateRIR(ctx context.Context, name string, private bool, description string) (*models.RIR, error) {
	name, err := trimName("name", name, 100)
	if err != nil {
		return nil, err
	}
	var rir *models.RIR
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rir, err = createRIR(tx, name, private, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rir, nil
}

func createRIR(tx *gorm.DB, name string, private bool, description string) (*models.RIR, error) {
	var n int64
	if err := tx.Model(&models.RIR{}).Where("name = ?", name).Count(&n).Error; err != nil {
		return nil, errors.Wrap(err, "check rir name")
	}
	if n > 0 {
		return nil, invalid("name", name, "rir already exists")
	}
	rir := &models.RIR{Name: name, IsPrivate: private, Description: description}
	if err := tx.Create(rir).Error; err != nil {
		return nil, errors.Wrap(err, "create rir")
	}
	return rir, nil
}

// EnsureRIR returns the RIR called name, creating a public one if needed.
func (s *Service) EnsureRIR(ctx context.Context, name string) (*models.RIR, error) {
	rir, err := s.RIRByName(ctx, name)
	if err == nil {
		return rir, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.CreateRIR(ctx, name, false, "")
}

func (s *Service) RIRByName(ctx context.Context, name string) (*models.RIR, error) {
	return rirByName(s.db.WithContext(ctx), name)
}

func rirByName(tx *gorm.DB, name string) (*models.RIR, error) {
	var rir models.RIR
	err := tx.Where("name = ?", name).First(&rir).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("rir", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load rir %q", name)
	}
	return &rir, nil
}

func (s *Service) ListRIRs(ctx context.Context) ([]models.RIR, error) {
	var out []models.RIR
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, errors.Wrap(err, "list rirs")
}

func (s *Service) DeleteRIR(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rir models.RIR
		if err := first(tx, &rir, "rir", id); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.Aggregate{}).Where("rir_id = ?", id).Count(&n).Error; err != nil {
			return errors.Wrap(err, "count aggregates")
		}
		if n > 0 {
			return &DependentObjectsError{Object: "rir", ID: id, Dependents: map[string]int64{"aggregates": n}}
		}
		return errors.Wrap(tx.Delete(&rir).Error, "delete rir")
	})
}
