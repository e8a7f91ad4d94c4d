package message

import (
	"fmt"
	"regexp"
	"strings"
)

// Mention handling for bidirectional @mention conversion between Max and
// Matrix. Max has no native mention wire format, so the Max side is a plain
// "@username " heuristic rather than a structured field; this is why the
// feature is an opt-in enrichment (bridge.message_handling.mentions) rather
// than an always-on conversion.

var (
	// matrixMentionRE matches Matrix HTML pills: <a href="https://matrix.to/#/@user:domain">name</a>
	matrixMentionRE = regexp.MustCompile(`<a href="https://matrix\.to/#/(@[^"]+)">([^<]+)</a>`)

	// maxMentionRE matches Max-style @mentions: @username followed by space or end
	maxMentionRE = regexp.MustCompile(`@([^\s@]+)\s?`)
)

// ConvertMaxMentionsToMatrix converts Max @username mentions in text to
// Matrix HTML pills. Returns (plainText, htmlText, mentionedMatrixIDs);
// htmlText is empty when no mention resolved.
func ConvertMaxMentionsToMatrix(text string, resolver func(username string) (matrixID, displayName string)) (string, string, []string) {
	if !strings.Contains(text, "@") {
		return text, "", nil
	}

	var mentionedIDs []string
	htmlText := escapeHTML(text)
	plainText := text

	matches := maxMentionRE.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, "", nil
	}

	// Process matches in reverse to preserve indices as we splice the HTML.
	for i := len(matches) - 1; i >= 0; i-- {
		fullStart, fullEnd := matches[i][0], matches[i][1]
		nameStart, nameEnd := matches[i][2], matches[i][3]

		username := text[nameStart:nameEnd]
		if resolver == nil {
			continue
		}

		matrixID, displayName := resolver(username)
		if matrixID == "" {
			continue
		}

		mentionedIDs = append(mentionedIDs, matrixID)

		pill := fmt.Sprintf(`<a href="https://matrix.to/#/%s">%s</a>`, matrixID, escapeHTML(displayName))
		htmlText = htmlText[:fullStart] + pill + htmlText[fullEnd:]
	}

	if len(mentionedIDs) == 0 {
		return text, "", nil
	}

	return plainText, htmlText, mentionedIDs
}

// ConvertMatrixMentionsToMax converts Matrix HTML pills in a formatted body
// to plain "@name " text, where name is the display name the resolver
// returns, else the pill's link text. Returns the plain text and the list
// of Max usernames the resolver matched.
func ConvertMatrixMentionsToMax(htmlBody, plainBody string, resolver func(matrixID string) (username, displayName string)) (string, []string) {
	if htmlBody == "" {
		return plainBody, nil
	}

	matches := matrixMentionRE.FindAllStringSubmatch(htmlBody, -1)
	if len(matches) == 0 {
		return plainBody, nil
	}

	result := htmlBody
	var mentionedUsernames []string

	for _, match := range matches {
		matrixID := match[1]
		displayName := match[2]

		if resolver != nil {
			username, nickname := resolver(matrixID)
			if username != "" {
				mentionedUsernames = append(mentionedUsernames, username)
				if nickname != "" {
					displayName = nickname
				}
			}
		}

		result = strings.Replace(result, match[0], "@"+displayName+" ", 1)
	}

	result = stripHTMLTags(result)

	return result, mentionedUsernames
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

func stripHTMLTags(s string) string {
	re := regexp.MustCompile(`<[^>]*>`)
	return re.ReplaceAllString(s, "")
}
