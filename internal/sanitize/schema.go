package sanitize

// profileSchema builds the character profile field set. Only the name field
// is required; the backend is allowed to omit everything else, which the
// record then reports as Unknown.
func profileSchema(nameField string) Schema {
	return Schema{
		{Name: nameField, Type: TypeString, Required: true},
		{Name: "real_name", Type: TypeString},
		{Name: "age", Type: TypeInt},
		{Name: "origin", Type: TypeString},
		{Name: "height_cm", Type: TypeInt},
		{Name: "weight_kg", Type: TypeInt},
		{Name: "eye_color", Type: TypeString},
		{Name: "hair_color", Type: TypeString},
		{Name: "powers", Type: TypeString},
		{Name: "strength_level", Type: TypeInt},
		{Name: "speed_level", Type: TypeInt},
		{Name: "durability_level", Type: TypeInt},
		{Name: "intelligence_level", Type: TypeInt},
		{Name: "weaknesses", Type: TypeString},
		{Name: "strengths", Type: TypeString},
		{Name: "description", Type: TypeString},
	}
}

// HeroSchema validates generated superhero profiles.
var HeroSchema = profileSchema("hero_name")

// VillainSchema validates generated supervillain profiles.
var VillainSchema = profileSchema("villain_name")

// ComicSchema validates generated comic plot summaries.
var ComicSchema = Schema{
	{Name: "summary_title", Type: TypeString, Required: true},
	{Name: "summary", Type: TypeString, Required: true},
}
