package config

import (
	"pollwatch/internal/credential"
)

// LoadCredentials reads an agent's credentials file and checks it against
// what the agent requires. A missing or malformed file is a configuration
// error; an empty pool for a required kind is left to the caller, which
// treats it as credential exhaustion.
func LoadCredentials(a Agent) (credential.File, error) {
	if a.CredentialsFile == "" {
		return credential.File{}, nil
	}
	f, err := credential.LoadFile(a.CredentialsFile)
	if err != nil {
		return credential.File{}, &Error{Path: "agents." + a.Name + ".credentials_file", Err: err}
	}
	return f, nil
}

// MissingCredentials names the required kinds for which f holds nothing.
func MissingCredentials(a Agent, f credential.File) []string {
	var out []string
	if a.Engine.RequireAccount && len(f.Accounts) == 0 {
		out = append(out, RequireAccount)
	}
	if a.Engine.RequireProxy && len(f.Proxies) == 0 {
		out = append(out, RequireProxy)
	}
	return out
}
