package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/network"
)

func (s *SQLiteStore) ReplaceRaw(ctx context.Context, boundaryID int64, nodes []network.RawNode, edges []network.RawEdge) error {
	nodeRows := make([][]any, 0, len(nodes))
	for _, n := range nodes {
		nodeRows = append(nodeRows, []any{boundaryID, n.ID, n.Source, n.X, n.Y})
	}
	edgeRows := make([][]any, 0, len(edges))
	for _, e := range edges {
		eg, err := encodeGeom(e.Geom, s.srid)
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode raw edge %s", e.ID)
		}
		connectors, err := encodeList(e.Connectors)
		if err != nil {
			return err
		}
		flags, err := encodeList(e.Flags)
		if err != nil {
			return err
		}
		edgeRows = append(edgeRows, []any{boundaryID, e.ID, connectors, e.Class, flags, e.Source, eg.wkb})
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM raw_nodes WHERE boundary_id = ?`, boundaryID); err != nil {
			return eris.Wrap(err, "sqlite: clear raw nodes")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM raw_edges WHERE boundary_id = ?`, boundaryID); err != nil {
			return eris.Wrap(err, "sqlite: clear raw edges")
		}
		if err := insertRows(ctx, tx, `INSERT INTO raw_nodes (boundary_id, node_id, source, x, y) VALUES (?, ?, ?, ?, ?)`, nodeRows); err != nil {
			return err
		}
		return insertRows(ctx, tx, `INSERT INTO raw_edges (boundary_id, edge_id, connectors, class, flags, source, geom)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, edgeRows)
	})
}

func (s *SQLiteStore) RawNetwork(ctx context.Context, boundaryID int64) ([]network.RawNode, []network.RawEdge, error) {
	nodes, err := s.rawNodes(ctx, boundaryID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT edge_id, connectors, class, flags, source, geom FROM raw_edges
		WHERE boundary_id = ? ORDER BY edge_id`, boundaryID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: query raw edges")
	}
	defer rows.Close()

	var edges []network.RawEdge
	for rows.Next() {
		var (
			e                 network.RawEdge
			connectors, flags string
			data              []byte
		)
		if err := rows.Scan(&e.ID, &connectors, &e.Class, &flags, &e.Source, &data); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: scan raw edge")
		}
		if e.Connectors, err = decodeList(connectors); err != nil {
			return nil, nil, err
		}
		if e.Flags, err = decodeList(flags); err != nil {
			return nil, nil, err
		}
		if e.Geom, err = geo.DecodeLineString(data); err != nil {
			return nil, nil, eris.Wrapf(err, "sqlite: raw edge %s", e.ID)
		}
		edges = append(edges, e)
	}
	return nodes, edges, eris.Wrap(rows.Err(), "sqlite: iterate raw edges")
}

func (s *SQLiteStore) rawNodes(ctx context.Context, boundaryID int64) ([]network.RawNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, source, x, y FROM raw_nodes WHERE boundary_id = ? ORDER BY node_id`, boundaryID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query raw nodes")
	}
	defer rows.Close()

	var nodes []network.RawNode
	for rows.Next() {
		var n network.RawNode
		if err := rows.Scan(&n.ID, &n.Source, &n.X, &n.Y); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw node")
		}
		nodes = append(nodes, n)
	}
	return nodes, eris.Wrap(rows.Err(), "sqlite: iterate raw nodes")
}

func (s *SQLiteStore) ReplaceCleaned(ctx context.Context, g *network.Graph) error {
	edgeRows := make([][]any, 0, len(g.Edges))
	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		eg, err := encodeGeom(e.Geom, s.srid)
		if err != nil {
			return eris.Wrapf(err, "sqlite: encode clean edge %s", e.ID)
		}
		edgeRows = append(edgeRows, []any{
			g.BoundaryID, e.ID, e.From, e.To, e.Class, e.Length, eg.wkb,
			eg.env.MinX, eg.env.MinY, eg.env.MaxX, eg.env.MaxY,
		})
	}
	nodeRows := make([][]any, 0, len(g.Nodes))
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		nodeRows = append(nodeRows, []any{g.BoundaryID, n.ID, n.Owner, n.Source, n.X, n.Y})
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM clean_edges WHERE boundary_id = ?`, g.BoundaryID); err != nil {
			return eris.Wrap(err, "sqlite: clear clean edges")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM clean_nodes WHERE boundary_id = ?`, g.BoundaryID); err != nil {
			return eris.Wrap(err, "sqlite: clear clean nodes")
		}
		if err := insertRows(ctx, tx, `INSERT INTO clean_edges
			(boundary_id, edge_id, start_node, end_node, class, length, geom, minx, miny, maxx, maxy)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, edgeRows); err != nil {
			return err
		}
		return insertRows(ctx, tx, `INSERT INTO clean_nodes (boundary_id, node_id, owner_boundary_id, source, x, y)
			VALUES (?, ?, ?, ?, ?, ?)`, nodeRows)
	})
}

const sqliteEdgesWithinSQL = `FROM clean_edges e
JOIN boundaries b ON b.boundary_id = e.boundary_id
WHERE b.extent_group = ? AND e.maxx >= ? AND e.minx <= ? AND e.maxy >= ? AND e.miny <= ?`

func (s *SQLiteStore) CleanedWithin(ctx context.Context, extent string, env geo.Envelope) (*network.Graph, error) {
	args := []any{extent, env.MinX, env.MaxX, env.MinY, env.MaxY}
	edges, err := s.cleanEdges(ctx, args)
	if err != nil {
		return nil, err
	}
	g := network.NewGraph(0)
	if len(edges) == 0 {
		return g, nil
	}

	need := make(map[string]bool, len(edges)*2)
	for _, e := range edges {
		need[e.From] = true
		need[e.To] = true
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT n.node_id, n.owner_boundary_id, n.source, n.x, n.y FROM clean_nodes n
		WHERE n.boundary_id IN (SELECT DISTINCT e.boundary_id `+sqliteEdgesWithinSQL+`)
		ORDER BY n.node_id, n.boundary_id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query clean nodes")
	}
	defer rows.Close()
	for rows.Next() {
		var n network.Node
		if err := rows.Scan(&n.ID, &n.Owner, &n.Source, &n.X, &n.Y); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan clean node")
		}
		if need[n.ID] {
			g.AddNode(&n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate clean nodes")
	}

	for _, e := range edges {
		if err := g.AddEdge(e); err != nil {
			return nil, eris.Wrap(err, "sqlite: assemble cleaned graph")
		}
	}
	return g, nil
}

func (s *SQLiteStore) cleanEdges(ctx context.Context, args []any) ([]*network.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.boundary_id, e.edge_id, e.start_node, e.end_node, e.class, e.length, e.geom `+
			sqliteEdgesWithinSQL+` ORDER BY e.edge_id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query clean edges")
	}
	defer rows.Close()

	var edges []*network.Edge
	for rows.Next() {
		var (
			e    network.Edge
			data []byte
		)
		if err := rows.Scan(&e.Owner, &e.ID, &e.From, &e.To, &e.Class, &e.Length, &data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan clean edge")
		}
		if e.Geom, err = geo.DecodeLineString(data); err != nil {
			return nil, eris.Wrapf(err, "sqlite: clean edge %s", e.ID)
		}
		edges = append(edges, &e)
	}
	return edges, eris.Wrap(rows.Err(), "sqlite: iterate clean edges")
}
