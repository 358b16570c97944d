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
	"errors"
	"strings"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Ref
		wantErr bool
	}{
		{
			name: "Azure DevOps remote url",
			raw:  "https://dev.azure.com/contoso/Web%20Shop/_git/frontend",
			want: Ref{Host: "dev.azure.com", Organization: "contoso", Project: "Web Shop"},
		},
		{
			name: "Azure DevOps remote url with user info",
			raw:  "https://contoso@dev.azure.com/contoso/shop/_git/api",
			want: Ref{Host: "dev.azure.com", Organization: "contoso", Project: "shop"},
		},
		{
			name: "visualstudio.com remote url",
			raw:  "https://contoso.visualstudio.com/shop/_git/api",
			want: Ref{Host: "dev.azure.com", Organization: "contoso", Project: "shop"},
		},
		{
			name: "Azure DevOps ssh url",
			raw:  "git@ssh.dev.azure.com:v3/contoso/shop/api",
			want: Ref{Host: "dev.azure.com", Organization: "contoso", Project: "shop"},
		},
		{
			name: "GitHub html url",
			raw:  "https://github.com/contoso/storefront",
			want: Ref{Host: "github.com", Organization: "contoso", Project: "storefront"},
		},
		{
			name: "GitHub clone url",
			raw:  "https://github.com/contoso/storefront.git",
			want: Ref{Host: "github.com", Organization: "contoso", Project: "storefront"},
		},
		{
			name: "GitHub ssh url",
			raw:  "git@github.com:contoso/storefront.git",
			want: Ref{Host: "github.com", Organization: "contoso", Project: "storefront"},
		},
		{
			name:    "project api url is not parsed locally",
			raw:     "https://dev.azure.com/contoso/_apis/projects/6ce954b1",
			wantErr: true,
		},
		{
			name:    "unknown host",
			raw:     "https://gitlab.com/group/project",
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
		{
			name:    "organization only",
			raw:     "https://dev.azure.com/contoso",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrUnresolvable) {
					t.Errorf("ParseURL(%q) error = %v, expected ErrUnresolvable", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURL(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseURL(%q) = %+v, expected %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRef_Key(t *testing.T) {
	tests := []struct {
		name string
		ref  Ref
		want string
	}{
		{"simple", Ref{Organization: "contoso", Project: "shop"}, "contoso.shop"},
		{"case only", Ref{Host: "dev.azure.com", Organization: "Contoso", Project: "Shop"}, "contoso.shop"},
		{"spaces get a digest", Ref{Host: "dev.azure.com", Organization: "Contoso", Project: "Web Shop"}, "contoso.web-shop-7a7f50f8"},
		{"symbols collapse", Ref{Organization: "a&b", Project: "c++"}, "a-b.c-aa998fe3"},
		{"nothing valid", Ref{Organization: "&&", Project: "!!"}, "141ccf33"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ref.Key(); got != tt.want {
				t.Errorf("Key() = %q, expected %q", got, tt.want)
			}
		})
	}
}

func TestRef_KeyLength(t *testing.T) {
	ref := Ref{Host: "dev.azure.com", Organization: "org", Project: strings.Repeat("p", 100)}
	got := ref.Key()
	if len(got) > maxLabelValue {
		t.Errorf("Key() has length %d, expected at most %d", len(got), maxLabelValue)
	}
	if want := "org." + strings.Repeat("p", 50) + "-5e948585"; got != want {
		t.Errorf("Key() = %q, expected %q", got, want)
	}
}

func TestRef_KeyDistinctProjects(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "rewritten name against its literal form",
			a:    "https://dev.azure.com/org/My%20Project/_git/api",
			b:    "https://dev.azure.com/org/my-project/_git/api",
		},
		{
			name: "long names sharing a prefix",
			a:    "https://dev.azure.com/org/" + strings.Repeat("p", 70) + "a/_git/api",
			b:    "https://dev.azure.com/org/" + strings.Repeat("p", 70) + "b/_git/api",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseURL(tt.a)
			if err != nil {
				t.Fatalf("ParseURL(%q) unexpected error: %v", tt.a, err)
			}
			b, err := ParseURL(tt.b)
			if err != nil {
				t.Fatalf("ParseURL(%q) unexpected error: %v", tt.b, err)
			}
			if a.Key() == b.Key() {
				t.Errorf("%s and %s share the key %q", a, b, a.Key())
			}
			for _, key := range []string{a.Key(), b.Key()} {
				if len(key) > maxLabelValue {
					t.Errorf("Key() %q is longer than %d", key, maxLabelValue)
				}
			}
		})
	}
}

func TestProjectAPIOrganization(t *testing.T) {
	tests := []struct {
		raw     string
		wantOrg string
		wantOK  bool
	}{
		{"https://dev.azure.com/contoso/_apis/projects/6ce954b1", "contoso", true},
		{"https://contoso.visualstudio.com/_apis/projects/6ce954b1", "contoso", true},
		{"https://dev.azure.com/contoso/shop/_git/api", "", false},
		{"https://github.com/owner/repo", "", false},
	}

	for _, tt := range tests {
		org, ok := projectAPIOrganization(tt.raw)
		if org != tt.wantOrg || ok != tt.wantOK {
			t.Errorf("projectAPIOrganization(%q) = %q, %v; expected %q, %v", tt.raw, org, ok, tt.wantOrg, tt.wantOK)
		}
	}
}
