package model

// PIIType names a category of sensitive data the PII detector recognizes.
type PIIType string

const (
	PIIEmail      PIIType = "EMAIL"
	PIIPhone      PIIType = "PHONE"
	PIICreditCard PIIType = "CREDIT_CARD"
	PIISSN        PIIType = "SSN"
	PIIIBAN       PIIType = "IBAN"
	PIIIP         PIIType = "IP"
	PIIPassport   PIIType = "PASSPORT"
	PIIDOB        PIIType = "DOB"
	PIIINN        PIIType = "INN"
	PIISNILS      PIIType = "SNILS"
)

// PIIMatch is a single sensitive-data hit, as surfaced on the wire in
// ShieldResult.PIIMatches.
type PIIMatch struct {
	Type          PIIType `json:"type"`
	Field         string  `json:"field"`
	RedactedValue string  `json:"redacted_value"`

	// Raw is the original matched substring. Never serialized; redaction
	// uses it to locate each occurrence in the scanned text.
	Raw string `json:"-"`
}
