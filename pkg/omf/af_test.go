package omf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow/pipeline/pkg/reading"
)

func TestAFResolverResolvePathSubstitutesVariables(t *testing.T) {
	resolver := NewAFResolver(nil, nil, "/${l1:Sites}/${l2:Orange}/${site:unknown}/ADN C1")
	r := reading.NewMulti("pump1", []reading.Datapoint{
		{Name: "site", Value: reading.NewString("Suez")},
		{Name: "l1", Value: reading.NewString("Sites_new")},
	})

	got, err := resolver.ResolvePath(r)
	require.NoError(t, err)
	require.Equal(t, "/Sites_new/Orange/Suez/ADN C1", got)
}

func TestAFResolverResolvePathFoldsSlashesOnElidedSegment(t *testing.T) {
	resolver := NewAFResolver(nil, nil, "/${l1:Sites}/${l3}/${site:unknown}/ADN C1")
	r := reading.NewMulti("pump1", []reading.Datapoint{
		{Name: "site", Value: reading.NewString("Suez")},
		{Name: "l1", Value: reading.NewString("Sites_new")},
	})

	got, err := resolver.ResolvePath(r)
	require.NoError(t, err)
	require.Equal(t, "/Sites_new/Suez/ADN C1", got)
}

func TestAFResolverNameRuleWinsOverMetadataRule(t *testing.T) {
	resolver := NewAFResolver(
		[]AFRule{{Match: "pump1", Path: "/ByName/pump1"}},
		[]AFRule{{Match: "site", Path: "/ByMeta/${site}"}},
		"/Default",
	)
	r := reading.NewMulti("pump1", []reading.Datapoint{{Name: "site", Value: reading.NewString("Suez")}})

	got, err := resolver.ResolvePath(r)
	require.NoError(t, err)
	require.Equal(t, "/ByName/pump1", got)
}

func TestAFResolverMetadataRuleUsedWhenNoNameRuleMatches(t *testing.T) {
	resolver := NewAFResolver(
		nil,
		[]AFRule{{Match: "site", Path: "/ByMeta/${site}"}},
		"/Default",
	)
	r := reading.NewMulti("pump1", []reading.Datapoint{{Name: "site", Value: reading.NewString("Suez")}})

	got, err := resolver.ResolvePath(r)
	require.NoError(t, err)
	require.Equal(t, "/ByMeta/Suez", got)
}

func TestAFResolverDefaultWhenNoRulesConfigured(t *testing.T) {
	resolver := NewAFResolver(nil, nil, "/Default/Path")
	r := reading.NewMulti("pump1", nil)

	got, err := resolver.ResolvePath(r)
	require.NoError(t, err)
	require.Equal(t, "/Default/Path", got)
}
