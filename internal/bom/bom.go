// Package bom provides standard-recipe packs: bills of materials mapping
// menu recipes to the canonical ingredients they consume. The reasoner
// falls back to these when the platform database carries no recipe links
// for an item.
package bom

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/savornet/backline/internal/opsdata"
)

// Ingredient is one line of a recipe's bill of materials. Either
// CanonicalID (preferred) or Name identifies the ingredient; quantities
// are per unit sold.
type Ingredient struct {
	CanonicalID string  `toml:"canonical_id"`
	Name        string  `toml:"name"`
	Qty         float64 `toml:"qty"`
	Unit        string  `toml:"unit"`
}

// Recipe is one menu item's standard bill of materials.
type Recipe struct {
	Name        string       `toml:"name"`
	Ingredients []Ingredient `toml:"ingredients"`
}

// Pack is a set of recipes keyed by recipe id.
type Pack struct {
	Recipes map[string]Recipe `toml:"recipes"`
}

// BuiltinPack holds the chain-standard recipes compiled into the binary.
// Ingredient lines here use canonical names; ids are bound per deployment
// through a user pack.
var BuiltinPack = Pack{
	Recipes: map[string]Recipe{
		"braised-pork": {
			Name: "红烧肉",
			Ingredients: []Ingredient{
				{Name: "五花肉", Qty: 0.3, Unit: "kg"},
				{Name: "老抽", Qty: 0.02, Unit: "l"},
				{Name: "冰糖", Qty: 0.03, Unit: "kg"},
			},
		},
		"shredded-potato": {
			Name: "酸辣土豆丝",
			Ingredients: []Ingredient{
				{Name: "土豆", Qty: 0.25, Unit: "kg"},
				{Name: "干辣椒", Qty: 0.005, Unit: "kg"},
			},
		},
		"tomato-egg": {
			Name: "番茄炒蛋",
			Ingredients: []Ingredient{
				{Name: "番茄", Qty: 0.2, Unit: "kg"},
				{Name: "鸡蛋", Qty: 0.15, Unit: "kg"},
			},
		},
	},
}

// LoadUserPack loads recipes from <dir>/bom.toml if it exists.
func LoadUserPack(dir string) (*Pack, error) {
	path := filepath.Join(dir, "bom.toml")
	data, err := os.ReadFile(path) // #nosec G304 -- path is constructed from the project dir
	if os.IsNotExist(err) {
		return nil, nil // No user pack, that's fine
	}
	if err != nil {
		return nil, fmt.Errorf("read bom.toml: %w", err)
	}

	var pack Pack
	if err := toml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse bom.toml: %w", err)
	}
	for id, r := range pack.Recipes {
		if r.Name == "" {
			r.Name = id
			pack.Recipes[id] = r
		}
	}
	return &pack, nil
}

// LoadPackFile loads a pack from an explicit path (config key bom.pack).
func LoadPackFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from user configuration
	if err != nil {
		return nil, fmt.Errorf("read pack %s: %w", path, err)
	}
	var pack Pack
	if err := toml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse pack %s: %w", path, err)
	}
	return &pack, nil
}

// Merged returns built-in recipes overlaid with the user pack from dir.
// User recipes override built-ins with the same id.
func Merged(dir string) (*Pack, error) {
	result := Pack{Recipes: make(map[string]Recipe, len(BuiltinPack.Recipes))}
	for id, r := range BuiltinPack.Recipes {
		result.Recipes[id] = r
	}

	user, err := LoadUserPack(dir)
	if err != nil {
		return nil, err
	}
	if user != nil {
		for id, r := range user.Recipes {
			result.Recipes[id] = r
		}
	}
	return &result, nil
}

// Links flattens the pack into recipe links, the shape the reasoner
// consumes. Lines without a canonical id fall back to the normalized name
// as the key so name-level matching still works.
func (p *Pack) Links() []opsdata.RecipeLink {
	var out []opsdata.RecipeLink
	for id, r := range p.Recipes {
		for _, ing := range r.Ingredients {
			key := ing.CanonicalID
			if key == "" {
				key = normalizeName(ing.Name)
			}
			out = append(out, opsdata.RecipeLink{
				RecipeID:    id,
				RecipeName:  r.Name,
				CanonicalID: key,
				QtyPerUnit:  ing.Qty,
				Unit:        ing.Unit,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecipeID != out[j].RecipeID {
			return out[i].RecipeID < out[j].RecipeID
		}
		return out[i].CanonicalID < out[j].CanonicalID
	})
	return out
}

// LinksFor returns the pack's links consuming the given ingredient,
// matched by canonical id or normalized name.
func (p *Pack) LinksFor(canonicalID, name string) []opsdata.RecipeLink {
	norm := normalizeName(name)
	var out []opsdata.RecipeLink
	for _, l := range p.Links() {
		if l.CanonicalID == canonicalID || (norm != "" && l.CanonicalID == norm) {
			out = append(out, l)
		}
	}
	return out
}

// RecipeIDs returns the sorted recipe ids in the pack.
func (p *Pack) RecipeIDs() []string {
	ids := make([]string, 0, len(p.Recipes))
	for id := range p.Recipes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
