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

package webhook

import (
	"testing"
)

func TestDecodeNotification(t *testing.T) {
	n, fields := decodeNotification([]byte(`{
		"eventType": "git.pullrequest.updated",
		"notificationId": 12,
		"subscriptionId": "sub\r\nforged",
		"resource": {"pullRequestId": 1}
	}`))
	if fields != nil {
		t.Fatalf("decodeNotification() returned field errors %v", fields)
	}
	if n.NotificationID != 12 || n.SubscriptionID != "sub\r\nforged" {
		t.Errorf("decodeNotification() = %+v", n)
	}
}

func TestDecodeNotification_FieldErrors(t *testing.T) {
	_, fields := decodeNotification([]byte(`{"notificationId": -3}`))

	for _, field := range []string{"eventType", "resource", "notificationId"} {
		if len(fields[field]) == 0 {
			t.Errorf("expected an error for %q, got %v", field, fields)
		}
	}
	if got := fields["eventType"][0]; got != "The eventType field is required." {
		t.Errorf("eventType message = %q", got)
	}
}

func TestDecodeNotification_UnknownFields_are_accepted(t *testing.T) {
	_, fields := decodeNotification([]byte(`{
		"eventType": "git.pullrequest.updated",
		"resource": {},
		"publisherId": "tfs",
		"resourceVersion": "1.0"
	}`))
	if fields != nil {
		t.Errorf("decodeNotification() returned field errors %v", fields)
	}
}
