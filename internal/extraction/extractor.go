// Package extraction pulls company metadata out of calendar events. The
// heuristics favour precision: a wrong company name sends the review to the
// wrong place, an empty one just asks a human.
package extraction

import (
	"regexp"
	"strings"

	"dealflow_backend/internal/event"
)

var domainRe = regexp.MustCompile(`\b(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}\b`)

// stopWords are meeting vocabulary that never starts a company name.
var stopWords = map[string]struct{}{
	"first": {}, "second": {}, "third": {},
	"meeting": {}, "touchpoint": {}, "catchup": {}, "catch-up": {}, "catch": {},
	"sync": {}, "call": {}, "intro": {}, "introduction": {},
	"kickoff": {}, "kick-off": {}, "planning": {}, "review": {}, "status": {},
	"weekly": {}, "monthly": {}, "daily": {}, "update": {}, "discussion": {},
	"talk": {}, "conversation": {}, "chat": {}, "checkin": {}, "check-in": {},
	"follow": {}, "follow-up": {}, "followup": {},
	"new": {}, "exciting": {}, "great": {}, "important": {}, "special": {},
	"strategy": {}, "product": {}, "sales": {}, "marketing": {}, "team": {},
	"with": {}, "for": {}, "from": {}, "about": {}, "around": {},
	"january": {}, "february": {}, "march": {}, "april": {}, "may": {},
	"june": {}, "july": {}, "august": {}, "september": {}, "october": {},
	"november": {}, "december": {},
}

// companySuffixes may appear inside a name even though they are also common
// words ("Acme Group").
var companySuffixes = map[string]struct{}{
	"inc": {}, "inc.": {}, "llc": {}, "ltd": {}, "co": {}, "co.": {},
	"corp": {}, "corp.": {}, "corporation": {}, "group": {}, "company": {},
	"ag": {}, "gmbh": {}, "plc": {}, "sa": {},
}

var subdomainExclusions = map[string]struct{}{
	"www": {}, "app": {}, "api": {}, "go": {}, "get": {}, "portal": {}, "mail": {},
}

var secondLevelTLDs = map[string]struct{}{
	"co": {}, "com": {}, "net": {}, "org": {}, "gov": {}, "edu": {},
}

// freemailDomains never identify a company; organizer addresses on these
// providers are ignored as a domain source.
var freemailDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "outlook.com": {}, "hotmail.com": {},
	"live.com": {}, "yahoo.com": {}, "icloud.com": {}, "gmx.de": {}, "gmx.net": {},
	"web.de": {}, "t-online.de": {}, "proton.me": {}, "protonmail.com": {},
}

// Extractor derives company name and domain from event text and participant
// addresses. It is stateless and safe for concurrent use.
type Extractor struct{}

func New() Extractor { return Extractor{} }

// Extract resolves the company fields for one event. Domains found in the
// event text win over participant email domains; a company name derived from
// the domain wins over one guessed from the summary wording.
func (Extractor) Extract(e event.CalendarEvent) event.ExtractedInfo {
	var info event.ExtractedInfo

	if d := findDomainInText(e.Summary, e.Description); d != "" {
		info.CompanyDomain = d
	} else if d := participantDomain(e); d != "" {
		info.CompanyDomain = d
	}

	if info.CompanyDomain != "" {
		info.CompanyName = companyFromDomain(info.CompanyDomain)
	}
	if info.CompanyName == "" {
		for _, segment := range segments(e.Summary, e.Description) {
			if name := companyFromText(segment); name != "" {
				info.CompanyName = name
				break
			}
		}
	}
	return info
}

func findDomainInText(summary, description string) string {
	search := strings.TrimSpace(description + " " + summary)
	if search == "" {
		return ""
	}
	match := domainRe.FindString(search)
	return normalizeDomain(match)
}

// participantDomain checks the organizer first, then attendees, skipping
// consumer mail providers.
func participantDomain(e event.CalendarEvent) string {
	addresses := make([]string, 0, len(e.Attendees)+1)
	addresses = append(addresses, e.Organizer.Email)
	for _, a := range e.Attendees {
		addresses = append(addresses, a.Email)
	}
	for _, addr := range addresses {
		_, domain, found := strings.Cut(addr, "@")
		if !found {
			continue
		}
		domain = normalizeDomain(domain)
		if domain == "" {
			continue
		}
		if _, free := freemailDomains[domain]; free {
			continue
		}
		return domain
	}
	return ""
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	domain, _, _ = strings.Cut(domain, "/")
	domain = strings.TrimPrefix(domain, "www.")
	return domain
}

// companyFromDomain title-cases the registrable label of a domain, skipping
// generic subdomains and second-level TLD patterns like example.co.uk.
func companyFromDomain(domain string) string {
	var parts []string
	for _, p := range strings.Split(domain, ".") {
		if p == "" {
			continue
		}
		if _, skip := subdomainExclusions[p]; skip {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return ""
	}

	idx := len(parts) - 2
	if len(parts) == 1 {
		idx = 0
	}
	if len(parts) >= 3 {
		if _, ok := secondLevelTLDs[parts[len(parts)-2]]; ok {
			idx = len(parts) - 3
		}
	}
	if idx < 0 {
		idx = 0
	}

	candidate := nonAlnumRe.ReplaceAllString(parts[idx], " ")
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	return titleCase(candidate)
}

var (
	nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)
	wordRe     = regexp.MustCompile(`[A-Za-z0-9&'\-.]+`)
	segmentRe  = regexp.MustCompile(`[\n\r\-|:/]+`)
)

func segments(summary, description string) []string {
	var out []string
	for _, text := range []string{summary, description} {
		if text == "" {
			continue
		}
		for _, raw := range segmentRe.Split(text, -1) {
			segment := strings.TrimSpace(raw)
			if segment == "" {
				continue
			}
			if segment == strings.ToLower(segment) {
				segment = titleCase(segment)
			}
			out = append(out, segment)
		}
	}
	return out
}

// companyFromText returns the first run of capitalized words that does not
// start with meeting vocabulary. Suffix words like "Group" may extend a run
// even though they are also stop words.
func companyFromText(text string) string {
	words := wordRe.FindAllString(text, -1)
	cleaned := make([]string, len(words))
	for i, w := range words {
		cleaned[i] = strings.TrimRight(w, ".")
	}

	for idx := 0; idx < len(cleaned); idx++ {
		word := cleaned[idx]
		if word == "" || !isUpperStart(word) {
			continue
		}
		if _, stop := stopWords[strings.ToLower(word)]; stop {
			continue
		}

		end := idx + 1
		for end < len(cleaned) {
			next := cleaned[end]
			if next == "" || !isUpperStart(next) {
				break
			}
			lower := strings.ToLower(next)
			_, stop := stopWords[lower]
			_, suffix := companySuffixes[lower]
			if stop && !suffix {
				break
			}
			end++
		}
		return strings.Join(cleaned[idx:end], " ")
	}
	return ""
}

func isUpperStart(word string) bool {
	c := word[0]
	return c >= 'A' && c <= 'Z'
}

func titleCase(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = strings.ToUpper(f[:1]) + f[1:]
	}
	return strings.Join(fields, " ")
}
