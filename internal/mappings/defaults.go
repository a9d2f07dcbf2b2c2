package mappings

// Built-in defaults used when the mapping tables cannot be loaded.
// They mirror the seed migration so DB-backed and fallback behavior
// agree.

func defaultFieldMap() map[string]string {
	return map[string]string{
		"price": "price",
		"preço": "price",
		"valor": "price",

		"business type":   "business_type",
		"tipo de negócio": "business_type",
		"tipo negócio":    "business_type",

		"typology":  "typology",
		"tipologia": "typology",
		"tipo":      "typology",

		"bedrooms":    "bedrooms",
		"quartos":     "bedrooms",
		"assoalhadas": "bedrooms",

		"bathrooms":      "bathrooms",
		"casas de banho": "bathrooms",
		"wc":             "bathrooms",

		"living rooms": "living_rooms",
		"salas":        "living_rooms",

		"floor": "floor",
		"andar": "floor",
		"piso":  "floor",

		"energy certificate":     "energy_certificate",
		"certificado energético": "energy_certificate",
		"classe energética":      "energy_certificate",
		"energy class":           "energy_certificate",

		"construction year": "construction_year",
		"ano de construção": "construction_year",

		"property type":  "property_type",
		"tipo de imóvel": "property_type",

		"district":  "district",
		"distrito":  "district",
		"county":    "county",
		"concelho":  "county",
		"parish":    "parish",
		"freguesia": "parish",

		"reference":  "property_id",
		"referência": "property_id",
		"ref":        "property_id",

		"useful area": "useful_area",
		"área útil":   "useful_area",
		"gross area":  "gross_area",
		"área bruta":  "gross_area",
		"land area":   "land_area",
		"terreno":     "land_area",
	}
}

func defaultFeatureMap() map[string]string {
	return map[string]string{
		"garage":         "garage",
		"garagem":        "garage",
		"parking":        "garage",
		"estacionamento": "garage",
		"box":            "garage",

		"elevator": "elevator",
		"elevador": "elevator",
		"lift":     "elevator",

		"balcony": "balcony",
		"varanda": "balcony",
		"terraço": "balcony",
		"terrace": "balcony",

		"air conditioning": "air_conditioning",
		"ar condicionado":  "air_conditioning",

		"swimming pool": "swimming_pool",
		"piscina":       "swimming_pool",
		"pool":          "swimming_pool",
	}
}

func defaultCurrencyMap() map[string]string {
	return map[string]string{
		"€":     "EUR",
		"eur":   "EUR",
		"euro":  "EUR",
		"euros": "EUR",
		"$":     "USD",
		"usd":   "USD",
		"£":     "GBP",
		"gbp":   "GBP",
		"R$":    "BRL",
		"brl":   "BRL",
		"¥":     "JPY",
		"jpy":   "JPY",
	}
}

func defaultCharacterMap() map[string]string {
	return map[string]string{
		"â‚¬": "€",
		"Ã§":  "ç",
		"Ã£":  "ã",
		"Ã©":  "é",
		"Ãº":  "ú",
		"Ã­":  "í",
		"mÂ²": "m²",
	}
}
