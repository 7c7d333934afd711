// Package validation содержит функции валидации входных данных.
package validation

import "strings"

// IsValidCID проверяет форму контент-идентификатора IPFS.
// Поддерживаются CIDv0 (Qm + 44 символа base58) и CIDv1 в base32
// (префикс b, нижний регистр). Содержимое по идентификатору не проверяется.
func IsValidCID(cid string) bool {
	switch {
	case strings.HasPrefix(cid, "Qm"):
		if len(cid) != 46 {
			return false
		}
		return isBase58(cid[2:])
	case strings.HasPrefix(cid, "b"):
		if len(cid) < 8 {
			return false
		}
		return isBase32Lower(cid[1:])
	default:
		return false
	}
}

func isBase58(s string) bool {
	for _, ch := range s {
		switch {
		case ch >= '1' && ch <= '9':
		case ch >= 'A' && ch <= 'H':
		case ch >= 'J' && ch <= 'N':
		case ch >= 'P' && ch <= 'Z':
		case ch >= 'a' && ch <= 'k':
		case ch >= 'm' && ch <= 'z':
		default:
			return false
		}
	}
	return true
}

func isBase32Lower(s string) bool {
	for _, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '2' && ch <= '7':
		default:
			return false
		}
	}
	return true
}
