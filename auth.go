package coedit

import (
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Authentication happens upstream; the engine only needs a display name to
// correlate with sessions. The bearer token, when present, is parsed
// without verification to lift the name claims out.

type EditorClaims struct {
	UserName string
	UserId   string
}

func ParseEditorClaimsUnverified(jwt string) (*EditorClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	editorClaims := &EditorClaims{}
	if name, ok := claims["name"]; ok {
		if nameStr, ok := name.(string); ok {
			editorClaims.UserName = nameStr
		}
	}
	if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			editorClaims.UserId = subStr
			if editorClaims.UserName == "" {
				editorClaims.UserName = subStr
			}
		}
	}
	return editorClaims, nil
}

// name for the request: bearer token claims win, then the client-supplied
// name, then anonymous
func UserNameForRequest(request *http.Request, fallback string) string {
	authorization := request.Header.Get("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		jwt := strings.TrimPrefix(authorization, "Bearer ")
		if claims, err := ParseEditorClaimsUnverified(jwt); err == nil && claims.UserName != "" {
			return claims.UserName
		}
	}
	if fallback != "" {
		return fallback
	}
	return "anonymous"
}
