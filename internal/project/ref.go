// Copyright 2025 The Prcleaner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package project

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrUnresolvable is returned when a URL does not identify a known project.
var ErrUnresolvable = errors.New("project cannot be resolved from url")

const (
	hostAzureDevOps = "dev.azure.com"
	hostGitHub      = "github.com"

	// maxLabelValue is the Kubernetes limit on label value length.
	maxLabelValue = 63
	// keyHashLen hex characters of the ref digest disambiguate rewritten keys.
	keyHashLen = 8
)

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// Ref identifies the project that owns a pull request.
type Ref struct {
	// Host is dev.azure.com for Azure DevOps (including legacy
	// visualstudio.com accounts) or github.com.
	Host         string
	Organization string
	Project      string
}

// Key returns a label-safe identity for the project. Resources created for a
// pull request carry it under the project label.
//
// Names are case-insensitive on both Azure DevOps and GitHub, so a key is the
// lowercased "{organization}.{project}". When that is not a valid label value
// the invalid characters are replaced, the result is shortened, and a digest
// of the full ref is appended so distinct projects never share a key.
func (r Ref) Key() string {
	key := strings.ToLower(r.Organization + "." + r.Project)
	clean := strings.Trim(invalidLabelChars.ReplaceAllString(key, "-"), "-_.")
	if clean == key && len(key) <= maxLabelValue {
		return key
	}

	sum := sha256.Sum256([]byte(strings.ToLower(r.String())))
	digest := hex.EncodeToString(sum[:])[:keyHashLen]
	if limit := maxLabelValue - keyHashLen - 1; len(clean) > limit {
		clean = strings.TrimRight(clean[:limit], "-_.")
	}
	if clean == "" {
		return digest
	}
	return clean + "-" + digest
}

func (r Ref) String() string {
	return r.Host + "/" + r.Organization + "/" + r.Project
}

// ParseURL extracts the project from a repository remote URL or a project web
// URL. Supported shapes:
//
//	https://dev.azure.com/{org}/{project}[/_git/{repo}]
//	https://{org}.visualstudio.com/{project}[/_git/{repo}]
//	git@ssh.dev.azure.com:v3/{org}/{project}/{repo}
//	https://github.com/{owner}/{repo}[.git]
//	git@github.com:{owner}/{repo}.git
//
// For GitHub the repository is the project.
func ParseURL(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, fmt.Errorf("%w: empty url", ErrUnresolvable)
	}

	if rest, ok := strings.CutPrefix(raw, "git@ssh.dev.azure.com:v3/"); ok {
		parts := splitPath(rest)
		if len(parts) < 2 {
			return Ref{}, fmt.Errorf("%w: %s", ErrUnresolvable, raw)
		}
		return Ref{Host: hostAzureDevOps, Organization: parts[0], Project: parts[1]}, nil
	}
	if rest, ok := strings.CutPrefix(raw, "git@github.com:"); ok {
		return githubRef(raw, splitPath(rest))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	host := strings.ToLower(u.Hostname())
	parts := splitPath(u.Path)

	switch {
	case host == hostAzureDevOps:
		if len(parts) < 2 || strings.HasPrefix(parts[1], "_") {
			return Ref{}, fmt.Errorf("%w: %s", ErrUnresolvable, raw)
		}
		return Ref{Host: hostAzureDevOps, Organization: parts[0], Project: parts[1]}, nil
	case strings.HasSuffix(host, ".visualstudio.com"):
		if len(parts) < 1 || strings.HasPrefix(parts[0], "_") {
			return Ref{}, fmt.Errorf("%w: %s", ErrUnresolvable, raw)
		}
		org := strings.TrimSuffix(host, ".visualstudio.com")
		return Ref{Host: hostAzureDevOps, Organization: org, Project: parts[0]}, nil
	case host == hostGitHub || host == "www.github.com":
		return githubRef(raw, parts)
	default:
		return Ref{}, fmt.Errorf("%w: unsupported host %q", ErrUnresolvable, host)
	}
}

func githubRef(raw string, parts []string) (Ref, error) {
	if len(parts) < 2 {
		return Ref{}, fmt.Errorf("%w: %s", ErrUnresolvable, raw)
	}
	return Ref{
		Host:         hostGitHub,
		Organization: parts[0],
		Project:      strings.TrimSuffix(parts[1], ".git"),
	}, nil
}

// projectAPIOrganization reports whether raw is an Azure DevOps project API URL
// (…/_apis/projects/{id}) and returns its organization.
func projectAPIOrganization(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	parts := splitPath(u.Path)

	switch {
	case host == hostAzureDevOps:
		if len(parts) >= 4 && parts[1] == "_apis" && parts[2] == "projects" {
			return parts[0], true
		}
	case strings.HasSuffix(host, ".visualstudio.com"):
		if len(parts) >= 3 && parts[0] == "_apis" && parts[1] == "projects" {
			return strings.TrimSuffix(host, ".visualstudio.com"), true
		}
	}
	return "", false
}

func splitPath(p string) []string {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			if unescaped, err := url.PathUnescape(s); err == nil {
				s = unescaped
			}
			parts = append(parts, s)
		}
	}
	return parts
}
