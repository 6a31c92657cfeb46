// Package target turns host filters into concrete connection lists.
package target

import (
	"context"
	"errors"
	"fmt"

	"fleet-plex/internal/filter"
	"fleet-plex/internal/model"
)

var (
	// ErrGroupNotFound is returned when a group filter names an unknown group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrInvalidFilter is returned for malformed filters
	ErrInvalidFilter = errors.New("invalid filter")
)

// GroupGetter looks up connection groups. Not-found is (nil, nil).
type GroupGetter interface {
	GetGroup(ctx context.Context, id string) (*model.ConnectionGroup, error)
}

// ValidateFilter rejects malformed filters before any lookup happens.
func ValidateFilter(f model.HostFilter) error {
	switch f.Type {
	case model.FilterAll:
	case model.FilterGroup:
		if f.GroupID == "" {
			return fmt.Errorf("%w: group filter requires a group id", ErrInvalidFilter)
		}
	case model.FilterPattern:
		if _, err := filter.CompileWildcard(f.Pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
	case model.FilterSelection:
	case model.FilterOS:
		if f.OSType == "" {
			return fmt.Errorf("%w: os filter requires an os type", ErrInvalidFilter)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, f.Type)
	}
	return nil
}

// Resolve applies the filter to conns and then the target-OS constraint.
// Order of conns is preserved. An empty result is not an error.
func Resolve(ctx context.Context, groups GroupGetter, conns []model.ServerConnection, f model.HostFilter, targetOS model.TargetOS) ([]model.ServerConnection, error) {
	if err := ValidateFilter(f); err != nil {
		return nil, err
	}

	var matcher filter.Filter
	switch f.Type {
	case model.FilterAll:
	case model.FilterGroup:
		group, err := groups.GetGroup(ctx, f.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load group %s: %w", f.GroupID, err)
		}
		if group == nil {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, f.GroupID)
		}
		if group.Dynamic {
			matcher, err = filter.GroupMatcher(*group)
			if err != nil {
				return nil, err
			}
		} else {
			matcher = memberOf(group.ID)
		}
	case model.FilterPattern:
		pf, err := filter.NewPatternFilter(f.Pattern)
		if err != nil {
			return nil, err
		}
		matcher = pf
	case model.FilterSelection:
		matcher = selection(f.ConnectionIDs)
	case model.FilterOS:
		matcher = osIs(f.OSType)
	}

	var out []model.ServerConnection
	for _, conn := range conns {
		if matcher != nil && !matcher.Match(conn) {
			continue
		}
		if !targetOS.Allows(conn.OSType) {
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

type memberOf string

func (g memberOf) Match(conn model.ServerConnection) bool { return conn.GroupID == string(g) }
func (g memberOf) String() string                         { return "group: " + string(g) }

type osIs model.OSType

func (o osIs) Match(conn model.ServerConnection) bool { return conn.OSType == model.OSType(o) }
func (o osIs) String() string                         { return "os: " + string(o) }

type selectionSet map[string]struct{}

func selection(ids []string) selectionSet {
	s := make(selectionSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s selectionSet) Match(conn model.ServerConnection) bool {
	_, ok := s[conn.ID]
	return ok
}

func (s selectionSet) String() string { return fmt.Sprintf("selection: %d ids", len(s)) }
