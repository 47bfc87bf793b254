package validation

import (
	"regexp"

	"github.com/dmitrijs2005/estateauth/internal/server/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9 ()-]{7,20}$`)
)

func emailRule() Rule {
	return Rule{Field: "email", Label: "Email", Required: true, MaxLen: 254,
		Pattern: emailPattern, PatternMessage: "Invalid email address"}
}

func newPasswordRule(field string) Rule {
	return Rule{Field: field, Label: "Password", Required: true, MinLen: 8, MaxLen: 128,
		Checks: []Check{PasswordStrength}, NoTrim: true}
}

func nameRule(field, label string) Rule {
	return Rule{Field: field, Label: label, Required: true, MinLen: 1, MaxLen: 50}
}

func phoneRule() Rule {
	return Rule{Field: "phone", Label: "Phone", Pattern: phonePattern, PatternMessage: "Invalid phone number"}
}

var (
	Register = Schema{
		emailRule(),
		newPasswordRule("password"),
		nameRule("firstName", "First name"),
		nameRule("lastName", "Last name"),
		phoneRule(),
	}

	Login = Schema{
		emailRule(),
		{Field: "password", Label: "Password", Required: true, NoTrim: true},
	}

	Refresh = Schema{
		{Field: "refreshToken", Label: "Refresh token", Required: true},
	}

	ChangePassword = Schema{
		{Field: "currentPassword", Label: "Current password", Required: true, NoTrim: true},
		newPasswordRule("newPassword"),
	}

	Profile = Schema{
		nameRule("firstName", "First name"),
		nameRule("lastName", "Last name"),
		phoneRule(),
	}

	UserStatus = Schema{
		{Field: "status", Label: "Status", Required: true, OneOf: []string{
			string(models.StatusActive), string(models.StatusInactive), string(models.StatusSuspended),
		}},
	}

	UserRole = Schema{
		{Field: "role", Label: "Role", Required: true, OneOf: []string{
			string(models.RoleAdmin), string(models.RoleAgent), string(models.RoleOwner), string(models.RoleClient),
		}},
	}
)
