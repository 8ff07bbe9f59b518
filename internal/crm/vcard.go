package crm

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"
)

// VCard renders c as a vCard 4.0 document.
func VCard(c *Client) (string, error) {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldUID, "urn:uuid:"+c.ID)
	card.SetValue(vcard.FieldFormattedName, c.Name)

	given, family := splitName(c.Name)
	card.SetName(&vcard.Name{GivenName: given, FamilyName: family})

	if c.Email != "" {
		card.AddValue(vcard.FieldEmail, c.Email)
	}
	if c.Phone != "" {
		card.AddValue(vcard.FieldTelephone, c.Phone)
	}
	if c.Company != "" {
		card.SetValue(vcard.FieldOrganization, c.Company)
	}
	if c.Address != "" {
		card.AddAddress(&vcard.Address{StreetAddress: c.Address})
	}
	if c.Notes != "" {
		card.SetValue(vcard.FieldNote, c.Notes)
	}
	vcard.ToV4(card)

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return "", fmt.Errorf("encode vcard: %w", err)
	}
	return buf.String(), nil
}

// splitName treats the last word as the family name.
func splitName(name string) (given, family string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}
