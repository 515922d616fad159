package common

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var participantIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var attachmentRefRegex = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,256}$`)

const DefaultMaxContentLength = 4000

func ValidateParticipantID(id string) error {
	if !participantIDRegex.MatchString(id) {
		return Validation("validate id", "malformed participant id %q", id)
	}
	return nil
}

func ValidateIdentity(ident Identity) error {
	if err := ValidateParticipantID(ident.ID); err != nil {
		return err
	}
	if !ident.Role.IsValid() {
		return Validation("validate identity", "unknown role %q", ident.Role)
	}
	return nil
}

// ValidateContent returns the trimmed content or a validation error
func ValidateContent(content string, maxLen int) (string, error) {
	if !utf8.ValidString(content) {
		return "", Validation("validate content", "message content is not valid UTF-8")
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", Validation("validate content", "message content cannot be empty")
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxContentLength
	}
	if utf8.RuneCountInString(trimmed) > maxLen {
		return "", Validation("validate content", "message content exceeds %d characters", maxLen)
	}
	return trimmed, nil
}

func ValidateAttachmentRef(ref string) error {
	if !attachmentRefRegex.MatchString(ref) {
		return Validation("validate attachment", "malformed attachment reference")
	}
	return nil
}

// ValidateClientMessageID allows empty; otherwise it has to look like an id
func ValidateClientMessageID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > 64 || !participantIDRegex.MatchString(id) {
		return Validation("validate client message id", "malformed client message id")
	}
	return nil
}

// NormalizePage clamps a requested page into [1, max] sized windows
func NormalizePage(page, size, def, max int) Page {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = def
	}
	if size > max {
		size = max
	}
	return Page{Number: page, Size: size}
}
