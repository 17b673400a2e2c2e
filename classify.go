package rtrc

import (
	"path/filepath"
	"sort"
	"strings"
)

// Category names, in priority order.
const (
	CategoryControllers = "controllers"
	CategoryModels      = "models"
	CategoryPolicies    = "policies"
	CategoryRequests    = "requests"
	CategoryResources   = "resources"
	CategoryMiddleware  = "middleware"
	CategoryServices    = "services"
	CategoryMigrations  = "migrations"
	CategoryOther       = "other"
)

// Rule assigns files whose absolute path contains Fragment to Category.
type Rule struct {
	Fragment string
	Category string
}

// Rules are evaluated in order, and the first matching rule wins. Files that
// match no rule are assigned to [CategoryOther].
var Rules = []Rule{
	{segment("Controllers"), CategoryControllers},
	{segment("Models"), CategoryModels},
	{segment("Policies"), CategoryPolicies},
	{segment("Requests"), CategoryRequests},
	{segment("Resources"), CategoryResources},
	{segment("Middleware"), CategoryMiddleware},
	{segment("Services"), CategoryServices},
	{segment("migrations"), CategoryMigrations},
}

// Categories returns every category name in priority order, ending with
// [CategoryOther].
func Categories() []string {
	res := make([]string, 0, len(Rules)+1)
	for _, r := range Rules {
		res = append(res, r.Category)
	}
	return append(res, CategoryOther)
}

func segment(name string) string {
	const sep = string(filepath.Separator)
	return sep + name + sep
}

// DefaultExcludePatterns are applied by [Config] when no patterns are given.
var DefaultExcludePatterns = []string{
	segment("vendor"),
	segment("bootstrap"),
	segment("storage"),
}

// Filter returns the paths that start with baseDir and don't contain any of the
// exclude patterns. Paths are treated as a set, so duplicates are dropped. The
// order of the remaining paths is preserved.
//
// Paths are compared as plain strings, so they must already use the native
// path separator.
func Filter(paths []string, baseDir string, exclude []string) []string {
	var (
		seen = make(map[string]struct{}, len(paths))
		res  = make([]string, 0, len(paths))
	)
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if allow(p, baseDir, exclude) {
			res = append(res, p)
		}
	}
	return res
}

func allow(path, baseDir string, exclude []string) bool {
	if !strings.HasPrefix(path, baseDir) {
		return false
	}
	for _, pattern := range exclude {
		if strings.Contains(path, pattern) {
			return false
		}
	}
	return true
}

// Classify groups paths into categories via [Rules]. Each path is assigned to
// exactly one category, and stored relative to baseDir, or unchanged if baseDir
// is empty. Paths within a category
// are sorted, and categories without paths are omitted. The result is never
// nil.
func Classify(paths []string, baseDir string) Files {
	var prefix string
	if baseDir != "" {
		prefix = strings.TrimSuffix(baseDir, string(filepath.Separator)) + string(filepath.Separator)
	}

	res := Files{}
	for _, p := range paths {
		c := categorize(p)
		res[c] = append(res[c], strings.TrimPrefix(p, prefix))
	}

	for _, rel := range res {
		sort.Strings(rel)
	}

	return res
}

func categorize(path string) string {
	for _, r := range Rules {
		if strings.Contains(path, r.Fragment) {
			return r.Category
		}
	}
	return CategoryOther
}
