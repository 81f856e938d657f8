package core

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// DefaultAttackSpecVersion is the newest ATT&CK spec version accepted when
// none is configured.
const DefaultAttackSpecVersion = "3.3.0"

// Validator checks bundle structure and per-object spec-version declarations.
type Validator struct {
	supported  *semver.Version
	constraint *semver.Constraints
}

// NewValidator accepts objects declaring an ATT&CK spec version up to and
// including supported.
func NewValidator(supported string) (*Validator, error) {
	if supported == "" {
		supported = DefaultAttackSpecVersion
	}
	v, err := semver.NewVersion(supported)
	if err != nil {
		return nil, fmt.Errorf("parse supported attack spec version %q: %w", supported, err)
	}
	c, err := semver.NewConstraint("<= " + v.String())
	if err != nil {
		return nil, fmt.Errorf("build spec version constraint: %w", err)
	}
	return &Validator{supported: v, constraint: c}, nil
}

// SupportedVersion returns the newest accepted spec version.
func (v *Validator) SupportedVersion() string {
	return v.supported.String()
}

// Validation is the outcome of structural checks on one bundle.
type Validation struct {
	models.BundleValidation

	// Collection is the bundle's collection object when there is exactly one.
	Collection      *models.Stix
	CollectionIndex int

	supported string
	issues    map[int]models.ImportError
}

// Issue returns the validation problem recorded for the object at index i.
func (v *Validation) Issue(i int) (models.ImportError, bool) {
	e, ok := v.issues[i]
	return e, ok
}

// Rejection returns the structural rejection for this bundle, or nil when
// the bundle may proceed to classification. Invalid spec versions are only
// a rejection when they are not forced.
func (v *Validation) Rejection(force models.ForceSet) *RejectionError {
	switch {
	case v.BundleErrors.NoCollection:
		return reject(ErrNoCollection, "", v.BundleValidation)
	case v.BundleErrors.MoreThanOneCollection:
		return reject(ErrMoreThanOneCollection, "", v.BundleValidation)
	case v.ObjectErrors.Summary.DuplicateObjectInBundleCount > 0:
		return reject(ErrDuplicateObjectInBundle,
			fmt.Sprintf("bundle contains %d duplicate objects", v.ObjectErrors.Summary.DuplicateObjectInBundleCount),
			v.BundleValidation)
	case v.ObjectErrors.Summary.InvalidAttackSpecVersionCount > 0 && !force.Has(models.ForceAttackSpecVersionViolations):
		return reject(ErrInvalidAttackSpecVersion,
			fmt.Sprintf("%d objects declare an ATT&CK spec version newer than %s or unparsable",
				v.ObjectErrors.Summary.InvalidAttackSpecVersionCount, v.supported),
			v.BundleValidation)
	}
	return nil
}

func (v *Validation) addIssue(i int, obj *models.Stix, t models.ImportErrorType, msg string, summarised bool) {
	e := models.ImportError{
		ObjectRef:      obj.ID,
		ObjectModified: obj.Modified,
		ErrorType:      t,
		ErrorMessage:   msg,
	}
	v.issues[i] = e
	if summarised {
		v.ObjectErrors.Errors = append(v.ObjectErrors.Errors, e)
	}
}

// Validate runs the structural checks. Only an empty or malformed bundle is
// returned as an error; everything else is recorded on the Validation.
func (v *Validator) Validate(b *models.Bundle) (*Validation, error) {
	empty := models.BundleValidation{ObjectErrors: models.ObjectErrors{Errors: []models.ImportError{}}}
	if b == nil || len(b.Objects) == 0 {
		return nil, reject(ErrEmptyBundle, "", empty)
	}
	if b.Type != models.BundleType {
		return nil, reject(ErrMalformedBundle, fmt.Sprintf("bundle type must be %q, got %q", models.BundleType, b.Type), empty)
	}

	val := &Validation{
		BundleValidation: empty,
		CollectionIndex:  -1,
		supported:        v.supported.String(),
		issues:           make(map[int]models.ImportError),
	}

	collections := 0
	seen := make(map[string]bool, len(b.Objects))
	for i, obj := range b.Objects {
		if obj == nil {
			return nil, reject(ErrMalformedBundle, fmt.Sprintf("object %d is null", i), empty)
		}
		if obj.Kind == models.KindCollection {
			collections++
			if collections == 1 {
				val.Collection = obj
				val.CollectionIndex = i
			}
		}

		if obj.ID == "" || obj.Type == "" {
			val.addIssue(i, obj, models.ErrorInvalidObject, "object is missing type or id", false)
			continue
		}
		norm, err := models.NormalizeModified(obj.Modified)
		if err != nil {
			val.addIssue(i, obj, models.ErrorInvalidObject, err.Error(), false)
			continue
		}

		key := models.ObjectKey(obj.ID, norm)
		if seen[key] {
			val.ObjectErrors.Summary.DuplicateObjectInBundleCount++
			val.addIssue(i, obj, models.ErrorDuplicateObjectInBundle,
				"an object with the same id and modified appears earlier in the bundle", true)
			continue
		}
		seen[key] = true

		if obj.Kind == models.KindCollection {
			continue
		}
		if obj.Kind == models.KindUnknown {
			val.addIssue(i, obj, models.ErrorUnknownObjectType, fmt.Sprintf("unknown object type %q", obj.Type), false)
			continue
		}
		v.checkSpecVersion(val, i, obj)
	}

	switch {
	case collections == 0:
		val.BundleErrors.NoCollection = true
	case collections > 1:
		val.BundleErrors.MoreThanOneCollection = true
	default:
		if _, bad := val.issues[val.CollectionIndex]; bad {
			return nil, reject(ErrMalformedBundle, "collection object has an invalid id or modified timestamp", val.BundleValidation)
		}
	}
	return val, nil
}

func (v *Validator) checkSpecVersion(val *Validation, i int, obj *models.Stix) {
	declared, ok := obj.AttackSpecVersion()
	if !ok {
		val.ObjectErrors.Summary.MissingAttackSpecVersionCount++
		val.addIssue(i, obj, models.ErrorMissingAttackSpecVersion, "x_mitre_attack_spec_version is missing", true)
		return
	}
	sv, err := semver.NewVersion(declared)
	if err != nil {
		val.ObjectErrors.Summary.InvalidAttackSpecVersionCount++
		val.addIssue(i, obj, models.ErrorInvalidAttackSpecVersion,
			fmt.Sprintf("x_mitre_attack_spec_version %q is not a version", declared), true)
		return
	}
	if !v.constraint.Check(sv) {
		val.ObjectErrors.Summary.InvalidAttackSpecVersionCount++
		val.addIssue(i, obj, models.ErrorInvalidAttackSpecVersion,
			fmt.Sprintf("x_mitre_attack_spec_version %s is newer than supported %s", declared, v.supported), true)
	}
}
