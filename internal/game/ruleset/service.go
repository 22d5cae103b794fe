package ruleset

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
)

// semverPattern matches strict MAJOR.MINOR.PATCH with no leading zeros.
var semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)$`)

// Service is the registry of published rule sets. Published sets are
// immutable; every returned RuleSet is a deep copy.
type Service struct {
	mu        sync.RWMutex
	limits    Limits
	clk       clock.Clock
	logger    *zap.Logger
	byVersion map[string]*RuleSet
	byID      map[string]*RuleSet
}

// NewService creates an empty Service with the given normalization limits.
//
// Precondition: clk and logger must be non-nil.
func NewService(limits Limits, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		limits:    limits,
		clk:       clk,
		logger:    logger,
		byVersion: make(map[string]*RuleSet),
		byID:      make(map[string]*RuleSet),
	}
}

// Publish registers a new rule set version with normalized metadata.
//
// Precondition: version must be strict SemVer.
// Postcondition: The version is retrievable and immutable, or the call fails
// with invalid_version / version_conflict.
func (s *Service) Publish(version string, meta Metadata) (RuleSet, error) {
	if !semverPattern.MatchString(version) {
		return RuleSet{}, catalog.NewError(catalog.InvalidVersion).
			WithDetails("version", version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byVersion[version]; exists {
		return RuleSet{}, catalog.NewError(catalog.VersionConflict).
			WithDetails("version", version)
	}

	rs := &RuleSet{
		ID:        uuid.NewString(),
		Version:   version,
		CreatedAt: s.clk.Now(),
		Metadata:  Normalize(meta, s.limits),
	}
	s.byVersion[version] = rs
	s.byID[rs.ID] = rs

	s.logger.Info("rule set published",
		zap.String("ruleset_id", rs.ID),
		zap.String("version", version),
		zap.Int("max_players", rs.Metadata.MaxPlayers),
		zap.Int("board_width", rs.Metadata.Board.Width),
		zap.Int("board_height", rs.Metadata.Board.Height),
	)
	return cloneRuleSet(rs), nil
}

// RequireByVersion returns the rule set for version or not_found.
func (s *Service) RequireByVersion(version string) (RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.byVersion[version]
	if !ok {
		return RuleSet{}, catalog.NewError(catalog.NotFound).
			WithDetails("version", version)
	}
	return cloneRuleSet(rs), nil
}

// RequireByID returns the rule set for id or not_found.
func (s *Service) RequireByID(id string) (RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.byID[id]
	if !ok {
		return RuleSet{}, catalog.NewError(catalog.NotFound).
			WithDetails("rulesetId", id)
	}
	return cloneRuleSet(rs), nil
}

// Latest returns the highest published version by SemVer precedence.
func (s *Service) Latest() (RuleSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *RuleSet
	for _, rs := range s.byVersion {
		if best == nil || compareSemver(rs.Version, best.Version) > 0 {
			best = rs
		}
	}
	if best == nil {
		return RuleSet{}, false
	}
	return cloneRuleSet(best), true
}

// List returns all published rule sets ordered by ascending version.
func (s *Service) List() []RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RuleSet, 0, len(s.byVersion))
	for _, rs := range s.byVersion {
		out = append(out, cloneRuleSet(rs))
	}
	sort.Slice(out, func(i, j int) bool {
		return compareSemver(out[i].Version, out[j].Version) < 0
	})
	return out
}

func cloneRuleSet(rs *RuleSet) RuleSet {
	out := *rs
	out.Metadata = cloneMetadata(rs.Metadata)
	return out
}

// compareSemver orders two strict SemVer strings numerically per component.
func compareSemver(a, b string) int {
	as := strings.SplitN(a, ".", 3)
	bs := strings.SplitN(b, ".", 3)
	for i := 0; i < 3; i++ {
		an, _ := strconv.Atoi(as[i])
		bn, _ := strconv.Atoi(bs[i])
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}
