package omf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeSuffixTable(t *testing.T) {
	cases := []struct {
		scheme NamingScheme
		id     int
		want   string
	}{
		{NamingConcise, 1, ""},
		{NamingConcise, 2, "-type2"},
		{NamingSuffix, 1, "-type1"},
		{NamingSuffix, 3, "-type3"},
		{NamingHash, 1, ""},
		{NamingHash, 2, "-type2"},
		{NamingCompatibility, 1, "-type1"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, TypeSuffix(c.scheme, c.id))
	}
}

func TestMeasurementIDPrefixesForHashAndCompatibility(t *testing.T) {
	id := MeasurementID(NamingHash, EndpointPIWeb, "sensor1", 2)
	require.Equal(t, "_2measurement_sensor1-type2", id)

	id = MeasurementID(NamingHash, EndpointEDS, "sensor1", 2)
	require.Equal(t, "2measurement_sensor1-type2", id)

	id = MeasurementID(NamingConcise, EndpointPIWeb, "sensor1", 1)
	require.Equal(t, "1measurement_sensor1", id)
}

func TestSanitizeNameReplacesInvalidChars(t *testing.T) {
	out, changed := SanitizeName(`a*b?c;d{e}f[g]h|i\j` + "`k'l\"m")
	require.True(t, changed)
	require.NotContains(t, out, "*")
	require.NotContains(t, out, "\"")

	out2, changed2 := SanitizeName("plain_name")
	require.False(t, changed2)
	require.Equal(t, "plain_name", out2)
}
