package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmpty(t *testing.T) {
	assert.True(t, State{}.Empty())
	assert.True(t, State{LocalStorage: map[string]map[string]string{"https://a": {}}}.Empty())
	assert.False(t, State{Cookies: []Cookie{{Name: "email", Value: "x"}}}.Empty())
	assert.False(t, State{LocalStorage: map[string]map[string]string{"https://a": {"k": "v"}}}.Empty())
}

func TestSetCookie_ReplacesSameScope(t *testing.T) {
	var s State
	s.SetCookie(Cookie{Name: "variant", Value: "0", Domain: ".louren.co.in", Path: "/"})
	s.SetCookie(Cookie{Name: "variant", Value: "1", Domain: ".louren.co.in", Path: "/"})
	s.SetCookie(Cookie{Name: "variant", Value: "2", Domain: "other.test", Path: "/"})

	require.Len(t, s.Cookies, 2)
	c, ok := s.Cookie("variant")
	require.True(t, ok)
	assert.Equal(t, "1", c.Value)

	_, ok = s.Cookie("email")
	assert.False(t, ok)
}

func TestClone_IsDeep(t *testing.T) {
	s := State{
		Cookies:      []Cookie{{Name: "a", Value: "1"}},
		LocalStorage: map[string]map[string]string{"https://shop.test": {"cart": "[]"}},
	}
	c := s.Clone()
	c.Cookies[0].Value = "2"
	c.LocalStorage["https://shop.test"]["cart"] = "[1]"

	assert.Equal(t, "1", s.Cookies[0].Value)
	assert.Equal(t, "[]", s.LocalStorage["https://shop.test"]["cart"])
}

func TestMarshalUnmarshal(t *testing.T) {
	s := State{
		Cookies:      []Cookie{{Name: "email", Value: "ana@gmail.com", Domain: ".louren.co.in", Path: "/", Expires: 1.8e9}},
		LocalStorage: map[string]map[string]string{"https://louren.co.in": {"k": "v"}},
	}
	b, err := Marshal(s)
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestMarshal_EmptyCookiesEncodeAsArray(t *testing.T) {
	b, err := Marshal(State{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[]}`, string(b))
}

func TestUnmarshal_BlankAndInvalid(t *testing.T) {
	s, err := Unmarshal([]byte("  "))
	require.NoError(t, err)
	assert.True(t, s.Empty())

	_, err = Unmarshal([]byte("{"))
	assert.Error(t, err)
}

func TestOrigins_Sorted(t *testing.T) {
	s := State{LocalStorage: map[string]map[string]string{"https://b": nil, "https://a": nil}}
	assert.Equal(t, []string{"https://a", "https://b"}, s.Origins())
}
