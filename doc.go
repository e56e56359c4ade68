// Package cidmap builds and serves the redirect indexes used to pick one
// canonical compound record per structural key.
//
// Two reference tables drive resolution: the preferred table maps a
// deprecated or alias CID to its preferred CID, and the parent table maps a
// salt or mixture CID to its parent. A CID absent from both is canonical.
// A third, optional keyhint table maps a CID to the fingerprint of its
// structural key and is used only to flag inconsistent input.
//
// # Basic Usage
//
// Building an index:
//
//	b, err := cidmap.NewBuilder(ctx, "indexes/preferred.idx", cidmap.KindPreferred)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for src, dst := range pairs {
//	    if err := b.Add(src, dst); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	if _, err := b.Finish(); err != nil {
//	    log.Fatal(err)
//	}
//
// Or directly from a mapping file:
//
//	report, err := cidmap.BuildFromFile(ctx, "CID-Preferred.gz", "indexes/preferred.idx", cidmap.KindPreferred)
//
// Looking IDs up:
//
//	m, err := cidmap.OpenMapper("indexes", cidmap.WithCacheCapacity(10000))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	canonical, err := m.CanonicalID(22247451)
//
// # Package Structure
//
//   - Build: builder.go (NewBuilder, Add, Finish), builder_spill.go (sorted runs, k-way merge), source.go (mapping files)
//   - Configuration: builder_options.go, mapper.go (MapperOption)
//   - Serialization: header.go (header, footer, record), index_writer.go
//   - Lookup: index.go (OpenIndex, Lookup, Verify), mapper.go (LRU caches, memory pressure)
//   - Keys: key.go (StructuralKey, KeyFingerprint), kind.go (IndexKind)
//   - Platform: platform_*.go, memory_*.go
//   - Resolution: resolve/; persistence: store/; ingestion: pipeline/
package cidmap
