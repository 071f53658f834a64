package directory

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_Lookups(t *testing.T) {
	t.Parallel()

	d := NewMemory()
	d.PutUser(User{ID: "u1", DisplayName: "Ada"})
	d.PutUser(User{ID: "u2", DisplayName: "Grace"})
	d.PutMember("g1", "u1", RoleLeader, MemberApproved)
	d.PutMember("g1", "u2", RoleMember, MemberPending)

	ctx := context.Background()

	if ok, err := d.UserExists(ctx, "u1"); err != nil || !ok {
		t.Fatalf("UserExists(u1)=%v,%v", ok, err)
	}
	if ok, err := d.UserExists(ctx, "nobody"); err != nil || ok {
		t.Fatalf("UserExists(nobody)=%v,%v", ok, err)
	}
	if _, err := d.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cases := []struct {
		group, user string
		want        bool
	}{
		{"g1", "u1", true},
		{"g1", "u2", false}, // pending
		{"g2", "u1", false},
		{" g1 ", " u1 ", true},
	}
	for _, tc := range cases {
		got, err := d.IsApprovedMember(ctx, tc.group, tc.user)
		if err != nil || got != tc.want {
			t.Fatalf("IsApprovedMember(%q,%q)=%v,%v want %v", tc.group, tc.user, got, err, tc.want)
		}
	}

	if leader, err := d.GroupLeader(ctx, "g1"); err != nil || leader != "u1" {
		t.Fatalf("GroupLeader(g1)=%q,%v", leader, err)
	}
	if leader, err := d.GroupLeader(ctx, "unknown"); err != nil || leader != "" {
		t.Fatalf("GroupLeader(unknown)=%q,%v", leader, err)
	}
}
