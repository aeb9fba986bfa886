package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"pollwatch/internal/atomicfile"
)

// File is the parsed credentials document:
//
//	{"accounts": ["user:pass", {"username": "u", "password": "p"}], "proxies": ["host:port", "http://u:p@host:port"]}
type File struct {
	Accounts []Resource
	Proxies  []Resource
}

type rawFile struct {
	Accounts []json.RawMessage `json:"accounts"`
	Proxies  []string          `json:"proxies"`
}

type rawAccount struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoadFile reads a credentials document. It is read once at startup.
func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return ParseFile(b)
}

func ParseFile(b []byte) (File, error) {
	var raw rawFile
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return File{}, fmt.Errorf("credentials: %w", err)
	}

	var out File
	var errs []error
	for i, ra := range raw.Accounts {
		acc, err := parseAccount(ra)
		if err != nil {
			errs = append(errs, fmt.Errorf("accounts[%d]: %w", i, err))
			continue
		}
		out.Accounts = append(out.Accounts, acc)
	}
	for i, rp := range raw.Proxies {
		px, err := ParseProxy(rp)
		if err != nil {
			errs = append(errs, fmt.Errorf("proxies[%d]: %w", i, err))
			continue
		}
		out.Proxies = append(out.Proxies, px)
	}
	return out, errors.Join(errs...)
}

func parseAccount(raw json.RawMessage) (Resource, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		user, pass, ok := strings.Cut(strings.TrimSpace(s), ":")
		if !ok || user == "" || pass == "" {
			return Resource{}, errors.New(`want "user:password"`)
		}
		return Resource{Kind: KindAccount, Identity: user, Username: user, Secret: pass}, nil
	}
	var a rawAccount
	if err := json.Unmarshal(raw, &a); err != nil {
		return Resource{}, err
	}
	user := strings.TrimSpace(a.Username)
	if user == "" {
		user = strings.TrimSpace(a.Email)
	}
	if user == "" || a.Password == "" {
		return Resource{}, errors.New("username and password are required")
	}
	return Resource{Kind: KindAccount, Identity: user, Username: user, Secret: a.Password}, nil
}

// ParseProxy accepts "host:port" or a full proxy URL. The identity is the
// host:port so logs never carry proxy passwords.
func ParseProxy(s string) (Resource, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Resource{}, errors.New("empty proxy")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Resource{}, err
	}
	if u.Host == "" || u.Port() == "" {
		return Resource{}, fmt.Errorf("proxy %q: want host:port", u.Redacted())
	}
	return Resource{Kind: KindProxy, Identity: u.Host, Secret: u.String()}, nil
}

type suspensionDoc struct {
	Suspended map[string]time.Time `json:"suspended"`
}

// SaveSuspensions writes active deadlines so a restart keeps honoring them.
func SaveSuspensions(path string, deadlines map[string]time.Time) error {
	return atomicfile.WriteJSON(path, suspensionDoc{Suspended: deadlines}, 0o600)
}

// LoadSuspensions reads deadlines written by SaveSuspensions. A missing file
// yields an empty map.
func LoadSuspensions(path string) (map[string]time.Time, error) {
	var doc suspensionDoc
	if _, err := atomicfile.ReadJSON(path, &doc); err != nil {
		return nil, err
	}
	if doc.Suspended == nil {
		return map[string]time.Time{}, nil
	}
	return doc.Suspended, nil
}
