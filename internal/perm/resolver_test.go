package perm

import (
	"testing"
	"time"

	"github.com/annel0/claim-engine/internal/cell"
	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/policy"
)

func newCascade() *policy.Cascade {
	return policy.NewCascade(&policy.Snapshot{}, nil)
}

func newClaim(owner string) *claim.Claim {
	cells := map[cell.Key]struct{}{
		{WorldID: "overworld", X: 0, Z: 0}: {},
	}
	return claim.New("c-1", owner, "base", cells, time.Now())
}

func TestResolve(t *testing.T) {
	r := NewResolver(newCascade())
	c := newClaim("Alice")
	c.AddMember("Bob")
	c.AddBan("Eve")

	t.Run("Bypass", func(t *testing.T) {
		// Байпас побеждает всё, включая бан.
		c.AddBan("Mallory")
		if r.Resolve(c, "Mallory", claim.ActionEnter, true) != Allow {
			t.Errorf("Байпас должен разрешать вход даже забаненному")
		}
	})

	t.Run("Unclaimed", func(t *testing.T) {
		if r.Resolve(nil, "anyone", claim.ActionBuild, false) != Allow {
			t.Errorf("Незанятая территория разрешает всё")
		}
	})

	t.Run("BanDeniesEverything", func(t *testing.T) {
		for _, a := range claim.KnownActions {
			if r.Resolve(c, "eve", a, false) != Deny {
				t.Errorf("Бан должен запрещать %s", a)
			}
		}
	})

	t.Run("BanDominatesMembership", func(t *testing.T) {
		// Бан участника подавляет его членство.
		c.AddBan("Bob")
		if r.Resolve(c, "bob", claim.ActionBuild, false) != Deny {
			t.Errorf("Бан должен побеждать членство")
		}
		c.RemoveBan("Bob")
	})

	t.Run("Owner", func(t *testing.T) {
		// Владельцу разрешено всё, даже при явном запрете для владельца.
		c.SetOverride(claim.ActionBuild, claim.AudienceOwner, claim.PermDeny)
		if r.Resolve(c, "ALICE", claim.ActionBuild, false) != Allow {
			t.Errorf("Владельцу действие разрешено безусловно")
		}
		c.ResetOverrides()
	})

	t.Run("MemberDefaults", func(t *testing.T) {
		if r.Resolve(c, "bob", claim.ActionBuild, false) != Allow {
			t.Errorf("Участнику по умолчанию разрешено")
		}
	})

	t.Run("MemberOverride", func(t *testing.T) {
		c.SetOverride(claim.ActionBuild, claim.AudienceMembers, claim.PermDeny)
		if r.Resolve(c, "bob", claim.ActionBuild, false) != Deny {
			t.Errorf("Переопределение участников должно запрещать")
		}
		// Переопределение посетителей участника не касается.
		c.SetOverride(claim.ActionBreak, claim.AudienceVisitors, claim.PermDeny)
		if r.Resolve(c, "bob", claim.ActionBreak, false) != Allow {
			t.Errorf("Переопределение посетителей не применяется к участнику")
		}
		c.ResetOverrides()
	})

	t.Run("VisitorDefaults", func(t *testing.T) {
		if r.Resolve(c, "stranger", claim.ActionBuild, false) != Deny {
			t.Errorf("Посетителю по умолчанию запрещено")
		}
	})

	t.Run("VisitorOverride", func(t *testing.T) {
		c.SetOverride(claim.ActionInteract, claim.AudienceVisitors, claim.PermAllow)
		if r.Resolve(c, "stranger", claim.ActionInteract, false) != Allow {
			t.Errorf("Переопределение посетителей должно разрешать")
		}
		c.ResetOverrides()
	})
}

func TestResolveAdminTerritory(t *testing.T) {
	r := NewResolver(newCascade())
	c := newClaim(claim.AdminOwner)

	// Правило владельца не применяется: сентинел остаётся посетителем.
	if r.Resolve(c, claim.AdminOwner, claim.ActionBuild, false) != Deny {
		t.Errorf("Сентинел не должен получать права владельца")
	}
	// Доступ определяется переопределениями для аудиторий.
	c.SetOverride(claim.ActionEnter, claim.AudienceVisitors, claim.PermAllow)
	if r.Resolve(c, "anyone", claim.ActionEnter, false) != Allow {
		t.Errorf("Переопределение посетителей работает на административной территории")
	}
}
